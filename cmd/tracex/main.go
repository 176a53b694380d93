// TRACE-X - Rule and graph risk scoring for on-chain transfers.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/opensource-finance/tracex/internal/config"
	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/rulebook"
	"github.com/opensource-finance/tracex/internal/rules"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	app := &cli.App{
		Name:  "tracex",
		Usage: "Rule and graph risk scoring for on-chain transfers",
		Description: `TRACE-X evaluates transfers against a YAML rule-book, combining
per-transaction predicates, sliding windows, time buckets, graph
reachability and topology searches into a bounded risk score.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Environment file loaded before reading TRACEX_ variables",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:    "rules",
				Aliases: []string{"r"},
				Usage:   "Rule-book path (default: embedded rule-book)",
				EnvVars: []string{"TRACEX_RULES"},
			},
			&cli.StringFlag{
				Name:    "lists-dir",
				Usage:   "Directory holding the address list files",
				EnvVars: []string{"TRACEX_LISTS_DIR"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Enable debug logging",
				EnvVars: []string{"TRACEX_DEBUG"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format: json or text",
				EnvVars: []string{"TRACEX_LOG_FORMAT"},
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			scoreCommand(),
			analyzeCommand(),
			{
				Name:  "rules",
				Usage: "Rule-book commands",
				Subcommands: []*cli.Command{
					rulesValidateCommand(),
					rulesListCommand(),
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig builds the configuration from the env file, TRACEX_
// variables and global flags, and installs the default logger.
func loadConfig(c *cli.Context) (*domain.Config, error) {
	cfg, err := config.Load(c.String("env-file"))
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if c.IsSet("rules") {
		cfg.Engine.RulesPath = c.String("rules")
	}
	if c.IsSet("lists-dir") {
		cfg.Engine.ListsDir = c.String("lists-dir")
	}
	if c.Bool("debug") {
		cfg.Logging.Level = "debug"
	}
	if c.IsSet("log-format") {
		cfg.Logging.Format = c.String("log-format")
	}
	slog.SetDefault(newLogger(cfg.Logging))
	return cfg, nil
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// quietLogger keeps stdout clean for table and JSON output.
func quietLogger(debug bool) *slog.Logger {
	level := slog.LevelError
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildEngine loads the rule-book and address lists. Without a lists
// directory the engine runs with empty lists.
func buildEngine(cfg *domain.Config, opts ...rules.Option) (*rules.Engine, error) {
	book, err := rulebook.LoadOrDefault(cfg.Engine.RulesPath)
	if err != nil {
		return nil, err
	}

	lists := rulebook.NewLists()
	if cfg.Engine.ListsDir != "" {
		lists, err = rulebook.LoadLists(cfg.Engine.ListsDir)
		if err != nil {
			return nil, err
		}
	}

	opts = append([]rules.Option{rules.WithConfig(cfg.Engine)}, opts...)
	engine, err := rules.NewEngine(book, lists, opts...)
	if err != nil {
		return nil, err
	}
	slog.Info("rule engine initialized",
		"rules_count", engine.RulesCount(),
		"rules_path", cfg.Engine.RulesPath,
	)
	return engine, nil
}
