// Package rulebook loads the declarative rule-book and the address lists
// the engine evaluates against.
package rulebook

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/tracex/internal/domain"
)

// Sentinel errors.
var (
	ErrRuleBookMissing = errors.New("rule-book not found")
	ErrRuleBookInvalid = errors.New("rule-book invalid")
)

//go:embed default_rules.yaml
var defaultRules []byte

// Load reads and parses the rule-book at path.
func Load(path string) (*domain.RuleBook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrRuleBookMissing, path)
		}
		return nil, fmt.Errorf("read rule-book %s: %w", path, err)
	}
	return Parse(data)
}

// LoadOrDefault loads path, or the embedded rule-book when path is empty.
func LoadOrDefault(path string) (*domain.RuleBook, error) {
	if path == "" {
		return Default()
	}
	return Load(path)
}

// Default returns the embedded standard rule-book.
func Default() (*domain.RuleBook, error) {
	return Parse(defaultRules)
}

// DefaultSource returns the raw embedded rule-book.
func DefaultSource() []byte {
	return bytes.Clone(defaultRules)
}

// Parse decodes a YAML rule-book, applies defaults and classifies every rule.
func Parse(data []byte) (*domain.RuleBook, error) {
	var book domain.RuleBook
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&book); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrRuleBookInvalid)
		}
		return nil, fmt.Errorf("%w: %v", ErrRuleBookInvalid, err)
	}

	axis := book.Defaults.Axis
	if axis == "" {
		axis = domain.DefaultAxis
	}
	severity := book.Defaults.Severity
	if severity == "" {
		severity = domain.DefaultSeverity
	}

	rules := make([]domain.Rule, 0, len(book.Rules))
	seen := make(map[string]bool, len(book.Rules))
	for i := range book.Rules {
		r := book.Rules[i]
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			slog.Warn("rule without id dropped", "index", i)
			continue
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate rule id %s", ErrRuleBookInvalid, r.ID)
		}
		seen[r.ID] = true

		if r.Name == "" {
			r.Name = r.ID
		}
		if r.Axis == "" {
			r.Axis = axis
		}
		if r.Severity == "" {
			r.Severity = severity
		}
		r.Classify()
		rules = append(rules, r)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: no rules", ErrRuleBookInvalid)
	}
	book.Rules = rules
	return &book, nil
}

// Summary counts the rules of a book by kind.
func Summary(book *domain.RuleBook) map[domain.RuleKind]int {
	counts := make(map[domain.RuleKind]int)
	for _, r := range book.Rules {
		counts[r.Kind]++
	}
	return counts
}
