package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/scoring"
	"github.com/opensource-finance/tracex/internal/tadp"
)

func scoreCommand() *cli.Command {
	return &cli.Command{
		Name:      "score",
		Usage:     "Score transactions from a JSON array or JSON lines file",
		ArgsUsage: "[FILE|-]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "topology",
				Usage: "Run layering and cycle searches",
			},
			&cli.BoolFlag{
				Name:  "features",
				Usage: "Include graph features in JSON output",
			},
		},
		Action: func(c *cli.Context) error {
			svc, err := offlineService(c)
			if err != nil {
				return err
			}
			txs, err := readTransactions(c.Args().First())
			if err != nil {
				return err
			}

			topology := c.Bool("topology")
			req := scoring.Request{Topology: &topology, Features: c.Bool("features"), Source: "cli"}
			results := make([]*domain.ScoringResult, 0, len(txs))
			for _, tx := range txs {
				r, err := svc.ScoreTransaction(c.Context, tx, req)
				if err != nil {
					return err
				}
				results = append(results, r)
			}

			if c.Bool("json") {
				return writeJSONOut(results)
			}
			renderResults(os.Stdout, results)
			return nil
		},
	}
}

func analyzeCommand() *cli.Command {
	return &cli.Command{
		Name:      "analyze",
		Usage:     "Analyze an address over the transactions in a file",
		ArgsUsage: "ADDRESS [FILE|-]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "chain",
				Usage: "Chain name reported with the analysis",
				Value: "ethereum",
			},
			&cli.BoolFlag{
				Name:  "topology",
				Usage: "Run layering and cycle searches during replay",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("address is required")
			}
			svc, err := offlineService(c)
			if err != nil {
				return err
			}
			txs, err := readTransactions(c.Args().Get(1))
			if err != nil {
				return err
			}

			analysis, err := svc.AnalyzeAddress(c.Context, c.Args().First(), c.String("chain"), txs, 0)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return writeJSONOut(analysis)
			}
			renderAnalysis(os.Stdout, analysis)
			return nil
		},
	}
}

// offlineService builds an engine-only scoring service with no
// repository, cache or bus.
func offlineService(c *cli.Context) (*scoring.Service, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(quietLogger(c.Bool("debug")))

	engine, err := buildEngine(cfg)
	if err != nil {
		return nil, err
	}
	processor := tadp.NewProcessor()
	processor.AnalyzeTopology = c.Bool("topology")
	return scoring.NewService(engine, processor), nil
}

// readTransactions decodes a JSON array or a stream of JSON objects from
// path, or from stdin when path is empty or "-".
func readTransactions(path string) ([]*domain.Transaction, error) {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	br := bufio.NewReader(r)
	head, _ := br.Peek(64)
	if bytes.HasPrefix(bytes.TrimSpace(head), []byte("[")) {
		var txs []*domain.Transaction
		if err := json.NewDecoder(br).Decode(&txs); err != nil {
			return nil, fmt.Errorf("decode transactions: %w", err)
		}
		return txs, nil
	}

	var txs []*domain.Transaction
	dec := json.NewDecoder(br)
	for {
		var tx domain.Transaction
		err := dec.Decode(&tx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode transaction %d: %w", len(txs)+1, err)
		}
		txs = append(txs, &tx)
	}
	return txs, nil
}

func writeJSONOut(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderResults(w io.Writer, results []*domain.ScoringResult) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Tx Hash", "Score", "Level", "Fired Rules", "Tags", "Alert"})
	for _, r := range results {
		ids := make([]string, 0, len(r.FiredRules))
		for _, f := range r.FiredRules {
			ids = append(ids, fmt.Sprintf("%s(%g)", f.RuleID, f.Score))
		}
		t.AppendRow(table.Row{
			r.TxHash,
			fmt.Sprintf("%.0f", r.RiskScore),
			r.RiskLevel,
			strings.Join(ids, " "),
			strings.Join(r.RiskTags, ", "),
			r.Alert,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "Transactions", len(results)})
	t.Render()
}

func renderAnalysis(w io.Writer, a *domain.AddressAnalysis) {
	fmt.Fprintf(w, "Address %s on %s: score %.0f (%s)\n", a.Address, a.Chain, a.RiskScore, a.RiskLevel)
	fmt.Fprintln(w, a.Explanation)

	rules := table.NewWriter()
	rules.SetOutputMirror(w)
	rules.AppendHeader(table.Row{"Rule", "Score"})
	for _, p := range a.FiredRules {
		rules.AppendRow(table.Row{p.RuleID, p.Score})
	}
	rules.Render()

	axes := table.NewWriter()
	axes.SetOutputMirror(w)
	axes.AppendHeader(table.Row{"Axis", "Rules", "Score"})
	for _, ax := range a.Axes {
		axes.AppendRow(table.Row{ax.Axis, ax.Count, fmt.Sprintf("%.0f", ax.Score)})
	}
	axes.Render()

	timeline := table.NewWriter()
	timeline.SetOutputMirror(w)
	timeline.AppendHeader(table.Row{"Time", "Tx Hash", "Score", "Fired Rules"})
	for _, e := range a.Timeline {
		ts := "-"
		if !e.Timestamp.Time().IsZero() {
			ts = e.Timestamp.Time().Format("2006-01-02 15:04:05")
		}
		timeline.AppendRow(table.Row{ts, e.TxHash, fmt.Sprintf("%.0f", e.RiskScore), strings.Join(e.FiredRules, " ")})
	}
	timeline.AppendFooter(table.Row{"", "Inbound/Outbound", fmt.Sprintf("%d/%d", a.Summary.Inbound, a.Summary.Outbound), fmt.Sprintf("%.2f USD", a.Patterns.TotalVolumeUSD)})
	timeline.Render()
}
