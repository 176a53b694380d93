package rulebook

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/tracex/internal/domain"
)

func TestDefault_ClassifiesEveryKind(t *testing.T) {
	book, err := Default()
	require.NoError(t, err)

	kinds := make(map[string]domain.RuleKind)
	for _, r := range book.Rules {
		kinds[r.ID] = r.Kind
	}

	assert.Equal(t, domain.KindSingle, kinds["C-001"])
	assert.Equal(t, domain.KindSingle, kinds["C-002"])
	assert.Equal(t, domain.KindWindow, kinds["B-101"])
	assert.Equal(t, domain.KindBucket, kinds["B-203"])
	assert.Equal(t, domain.KindTopology, kinds["B-201"])
	assert.Equal(t, domain.KindTopology, kinds["B-202"])
	assert.Equal(t, domain.KindDynamicBucket, kinds["B-501"])
	assert.Equal(t, domain.KindStatsPrerequisite, kinds["B-103"])
	assert.Equal(t, domain.KindStateful, kinds["S-001"])
}

func TestParse_AppliesDefaults(t *testing.T) {
	book, err := Parse([]byte(`
defaults:
  severity: LOW
rules:
  - id: X-1
    score: "12"
  - name: no id
    score: 5
`))
	require.NoError(t, err)
	require.Len(t, book.Rules, 1)

	r := book.Rules[0]
	assert.Equal(t, "X-1", r.Name)
	assert.Equal(t, domain.DefaultAxis, r.Axis)
	assert.Equal(t, "LOW", r.Severity)
	assert.Equal(t, 12.0, r.Score.Value())
	assert.Equal(t, domain.KindSingle, r.Kind)
}

func TestParse_ScoreCoercion(t *testing.T) {
	book, err := Parse([]byte(`
rules:
  - {id: A, score: 30}
  - {id: B, score: abc}
  - {id: C, score: -4}
  - {id: D, score: dynamic, buckets: {ranges: [{min: 0, score: 1}]}}
`))
	require.NoError(t, err)

	assert.Equal(t, 30.0, book.Rules[0].Score.Value())
	assert.Equal(t, 0.0, book.Rules[1].Score.Value())
	assert.Equal(t, 0.0, book.Rules[2].Score.Value())
	assert.True(t, book.Rules[3].Score.IsDynamic())
	assert.Equal(t, domain.KindDynamicBucket, book.Rules[3].Kind)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"no rules", "version: x\nrules: []\n"},
		{"not yaml", "rules: [unterminated"},
		{"duplicate ids", "rules:\n  - {id: A, score: 1}\n  - {id: A, score: 2}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRuleBookInvalid)
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRuleBookMissing)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, DefaultSource(), 0o644))

	book, err := Load(path)
	require.NoError(t, err)

	def, err := Default()
	require.NoError(t, err)
	assert.Len(t, book.Rules, len(def.Rules))
}

func TestClassify_TopologyIDsGetDefaultSpecs(t *testing.T) {
	book, err := Parse([]byte(`
rules:
  - {id: B-201, score: 10}
  - {id: B-202, score: 10}
  - {id: B-103, score: 10}
  - {id: C-002, score: 10}
`))
	require.NoError(t, err)

	require.NotNil(t, book.Rules[0].Topology)
	assert.NotNil(t, book.Rules[0].Topology.LayeringChain)
	require.NotNil(t, book.Rules[1].Topology)
	assert.NotNil(t, book.Rules[1].Topology.Cycle)
	assert.Equal(t, domain.KindStatsPrerequisite, book.Rules[2].Kind)
	assert.Equal(t, domain.DefaultMinEdges, book.Rules[2].Prerequisites.MinSample())
	require.NotNil(t, book.Rules[3].PPR)
	assert.Equal(t, domain.DefaultPPRGate, book.Rules[3].PPR.Gte)
}

func TestScoreTable_Resolve(t *testing.T) {
	max := 5000.0
	table := &domain.ScoreTable{Ranges: []domain.ScoreRange{
		{Min: 1000, Max: &max, Score: 5},
		{Min: 5000, Score: 10},
	}}

	assert.Equal(t, 0.0, table.Resolve(999.99))
	assert.Equal(t, 5.0, table.Resolve(1000))
	assert.Equal(t, 10.0, table.Resolve(5000))
	assert.Equal(t, 10.0, table.Resolve(1e9))
}

func TestSummary(t *testing.T) {
	book, err := Default()
	require.NoError(t, err)

	counts := Summary(book)
	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, len(book.Rules), total)
	assert.Equal(t, 2, counts[domain.KindTopology])
}
