// Benchmark tool for replaying labelled transfers against TRACE-X.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/labelled.csv -url http://localhost:8080
//
// The CSV needs a header row. Recognized columns: tx_hash, from, to,
// usd_value (or amount_usd), value, timestamp, chain, and a label column
// (is_illicit, label or is_fraud) holding 1/true for illicit transfers.
// Every row is posted to /score/transaction in file order and the alert
// verdict is compared with the label.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/tracex/internal/domain"
)

// LabelledTransfer is one CSV row.
type LabelledTransfer struct {
	Tx      domain.Transaction
	Illicit bool
}

// ScoreResponse is the subset of the API response the benchmark reads.
type ScoreResponse struct {
	RiskScore  float64           `json:"risk_score"`
	RiskLevel  string            `json:"risk_level"`
	Alert      bool              `json:"alert"`
	FiredRules []domain.RulePair `json:"fired_rules"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  atomic.Int64
	FalsePositives atomic.Int64
	TrueNegatives  atomic.Int64
	FalseNegatives atomic.Int64

	TotalProcessed atomic.Int64
	TotalIllicit   atomic.Int64
	TotalLicit     atomic.Int64
	TotalErrors    atomic.Int64

	ProcessingTimeMs atomic.Int64
}

func main() {
	csvPath := flag.String("csv", "", "Path to the labelled CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "TRACE-X base URL")
	token := flag.String("token", os.Getenv("TRACEX_BENCH_TOKEN"), "Bearer token when the API requires auth")
	limit := flag.Int("limit", 10000, "Maximum transfers to process (0 = all)")
	workers := flag.Int("workers", 1, "Concurrent requests; history rules assume 1")
	topology := flag.Bool("topology", false, "Request layering and cycle searches")
	verbose := flag.Bool("verbose", false, "Print each transfer result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/labelled.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("TRACE-X BENCHMARK")
	fmt.Printf("\nCSV File:  %s\n", *csvPath)
	fmt.Printf("URL:       %s\n", *baseURL)
	fmt.Printf("Workers:   %d\n", *workers)
	fmt.Printf("Limit:     %d\n", *limit)
	fmt.Printf("Topology:  %v\n", *topology)
	fmt.Println()

	client := &http.Client{Timeout: 10 * time.Second}
	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: TRACE-X not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nStart the server with:")
		fmt.Println("  go run ./cmd/tracex serve")
		os.Exit(1)
	}
	fmt.Println("✓ TRACE-X is healthy")

	transfers, err := readLabelledCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(transfers) == 0 {
		fmt.Println("ERROR: no transfers in CSV")
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d transfers\n", len(transfers))

	endpoint := *baseURL + "/score/transaction"
	if *topology {
		endpoint += "?topology=true"
	}

	start := time.Now()
	m := runBenchmark(context.Background(), client, endpoint, *token, transfers, *workers, *verbose)
	printResults(m, time.Since(start))
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readLabelledCSV(path string, limit int) ([]LabelledTransfer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return parseLabelledCSV(file, limit)
}

func parseLabelledCSV(r io.Reader, limit int) ([]LabelledTransfer, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, col := range header {
		cols[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := cols["to"]; !ok {
		return nil, errors.New(`missing "to" column`)
	}

	field := func(record []string, names ...string) string {
		for _, name := range names {
			if i, ok := cols[name]; ok && i < len(record) {
				return strings.TrimSpace(record[i])
			}
		}
		return ""
	}

	var out []LabelledTransfer
	for row := 1; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // skip malformed rows
		}

		usd, _ := strconv.ParseFloat(field(record, "usd_value", "amount_usd"), 64)
		value, _ := strconv.ParseFloat(field(record, "value"), 64)
		hash := field(record, "tx_hash", "hash")
		if hash == "" {
			hash = fmt.Sprintf("bench-%d", row)
		}

		out = append(out, LabelledTransfer{
			Tx: domain.Transaction{
				TxHash:    hash,
				From:      field(record, "from"),
				To:        field(record, "to"),
				USDValue:  domain.Number(usd),
				Value:     domain.Number(value),
				Timestamp: domain.ParseTimestamp(field(record, "timestamp")),
				Chain:     field(record, "chain"),
			},
			Illicit: parseLabel(field(record, "is_illicit", "label", "is_fraud")),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func parseLabel(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "illicit", "fraud":
		return true
	}
	return false
}

func runBenchmark(ctx context.Context, client *http.Client, endpoint, token string, transfers []LabelledTransfer, workers int, verbose bool) *Metrics {
	m := &Metrics{}
	if workers < 1 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, lt := range transfers {
		g.Go(func() error {
			start := time.Now()
			result, err := scoreTransfer(ctx, client, endpoint, token, lt.Tx)
			m.ProcessingTimeMs.Add(time.Since(start).Milliseconds())
			m.TotalProcessed.Add(1)

			if err != nil {
				m.TotalErrors.Add(1)
				if verbose {
					fmt.Printf("ERROR: %s -> %v\n", lt.Tx.TxHash, err)
				}
				return nil
			}
			m.record(lt.Illicit, result.Alert)

			if verbose {
				status := "✓"
				if result.Alert != lt.Illicit {
					status = "✗"
				}
				fmt.Printf("%s %-14s | USD %12.2f | illicit %-5v | %-8s (%3.0f) %d rules\n",
					status, short(lt.Tx.TxHash), lt.Tx.USD(), lt.Illicit,
					result.RiskLevel, result.RiskScore, len(result.FiredRules))
			}
			return nil
		})
	}
	_ = g.Wait()
	return m
}

func (m *Metrics) record(actual, predicted bool) {
	if actual {
		m.TotalIllicit.Add(1)
	} else {
		m.TotalLicit.Add(1)
	}
	switch {
	case predicted && actual:
		m.TruePositives.Add(1)
	case predicted && !actual:
		m.FalsePositives.Add(1)
	case !predicted && !actual:
		m.TrueNegatives.Add(1)
	default:
		m.FalseNegatives.Add(1)
	}
}

func scoreTransfer(ctx context.Context, client *http.Client, endpoint, token string, tx domain.Transaction) (*ScoreResponse, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Rates derived from the confusion matrix.
type Rates struct {
	Precision, Recall, F1, Accuracy float64
}

func (m *Metrics) Rates() Rates {
	tp := float64(m.TruePositives.Load())
	fp := float64(m.FalsePositives.Load())
	tn := float64(m.TrueNegatives.Load())
	fn := float64(m.FalseNegatives.Load())

	var r Rates
	if tp+fp > 0 {
		r.Precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		r.Recall = tp / (tp + fn)
	}
	if r.Precision+r.Recall > 0 {
		r.F1 = 2 * r.Precision * r.Recall / (r.Precision + r.Recall)
	}
	if total := tp + fp + tn + fn; total > 0 {
		r.Accuracy = (tp + tn) / total
	}
	return r
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	stats := table.NewWriter()
	stats.SetOutputMirror(os.Stdout)
	stats.SetTitle("Dataset")
	stats.AppendRows([]table.Row{
		{"Processed", m.TotalProcessed.Load()},
		{"Illicit", m.TotalIllicit.Load()},
		{"Licit", m.TotalLicit.Load()},
		{"Errors", m.TotalErrors.Load()},
	})
	stats.Render()

	matrix := table.NewWriter()
	matrix.SetOutputMirror(os.Stdout)
	matrix.SetTitle("Confusion Matrix")
	matrix.AppendHeader(table.Row{"Actual \\ Predicted", "Alert", "No Alert"})
	matrix.AppendRow(table.Row{"Illicit", m.TruePositives.Load(), m.FalseNegatives.Load()})
	matrix.AppendRow(table.Row{"Licit", m.FalsePositives.Load(), m.TrueNegatives.Load()})
	matrix.Render()

	r := m.Rates()
	rates := table.NewWriter()
	rates.SetOutputMirror(os.Stdout)
	rates.SetTitle("Detection")
	rates.AppendRows([]table.Row{
		{"Precision", fmt.Sprintf("%.4f", r.Precision)},
		{"Recall", fmt.Sprintf("%.4f", r.Recall)},
		{"F1", fmt.Sprintf("%.4f", r.F1)},
		{"Accuracy", fmt.Sprintf("%.4f", r.Accuracy)},
	})
	rates.Render()

	fmt.Printf("\nDuration:   %v\n", duration.Round(time.Millisecond))
	if n := m.TotalProcessed.Load(); n > 0 {
		fmt.Printf("Avg Latency: %.2f ms\n", float64(m.ProcessingTimeMs.Load())/float64(n))
		fmt.Printf("Throughput:  %.2f tx/sec\n", float64(n)/duration.Seconds())
	}
	fmt.Println()
}

func short(s string) string {
	if len(s) > 14 {
		return s[:14]
	}
	return s
}
