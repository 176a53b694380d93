package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/rulebook"
	"github.com/opensource-finance/tracex/internal/rules"
)

func rulesValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Parse a rule-book and compile its expressions",
		ArgsUsage: "[RULEBOOK]",
		Action: func(c *cli.Context) error {
			book, path, err := loadBook(c)
			if err != nil {
				return err
			}
			// Compiles every CEL expression; lists are not needed.
			if _, err := rules.NewEngine(book, nil); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			summary := rulebook.Summary(book)
			if c.Bool("json") {
				counts := make(map[string]int, len(summary))
				for k, n := range summary {
					counts[k.String()] = n
				}
				return writeJSONOut(map[string]any{
					"path":    path,
					"valid":   true,
					"rules":   len(book.Rules),
					"by_kind": counts,
				})
			}

			kinds := make([]domain.RuleKind, 0, len(summary))
			for k := range summary {
				kinds = append(kinds, k)
			}
			sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

			fmt.Printf("✓ %s is valid (%d rules)\n", path, len(book.Rules))
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Kind", "Rules"})
			for _, k := range kinds {
				t.AppendRow(table.Row{k.String(), summary[k]})
			}
			t.Render()
			return nil
		},
	}
}

func rulesListCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "List the rules of a rule-book in evaluation order",
		ArgsUsage: "[RULEBOOK]",
		Action: func(c *cli.Context) error {
			book, _, err := loadBook(c)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return writeJSONOut(book.Rules)
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Name", "Axis", "Severity", "Score", "Kind"})
			for i := range book.Rules {
				r := &book.Rules[i]
				score := fmt.Sprintf("%g", r.Score.Value())
				if r.Score.IsDynamic() {
					score = "dynamic"
				}
				t.AppendRow(table.Row{r.ID, r.DisplayName(), r.Axis, r.Severity, score, r.Kind.String()})
			}
			t.Render()
			return nil
		},
	}
}

// loadBook reads the rule-book named by the argument, the --rules flag or
// TRACEX_RULES, in that order, falling back to the embedded book.
func loadBook(c *cli.Context) (*domain.RuleBook, string, error) {
	slog.SetDefault(quietLogger(c.Bool("debug")))

	path := c.Args().First()
	if path == "" {
		path = c.String("rules")
	}
	book, err := rulebook.LoadOrDefault(path)
	if path == "" {
		path = "embedded rule-book"
	}
	if err != nil {
		return nil, path, err
	}
	return book, path, nil
}
