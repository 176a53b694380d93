package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/tracex/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()
	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "tracex-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func transfer(hash, from, to string, usd float64, ts int64) *domain.Transaction {
	return &domain.Transaction{
		TxHash:    hash,
		From:      from,
		To:        to,
		Timestamp: domain.Timestamp(ts),
		USDValue:  domain.Number(usd),
		Chain:     "ethereum",
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetTransaction", func(t *testing.T) {
		tx := transfer("0xaaa", "0xFrom", "0xTo", 1500.5, 1_700_000_000)
		tx.IsMixer = true
		tx.Extra = map[string]any{"memo": "gift"}

		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		got, err := repo.GetTransaction(ctx, "0xaaa")
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if got.From != "0xFrom" || got.To != "0xTo" {
			t.Errorf("expected 0xFrom -> 0xTo, got %s -> %s", got.From, got.To)
		}
		if got.USD() != 1500.5 {
			t.Errorf("expected usd 1500.5, got %v", got.USD())
		}
		if got.Unix() != 1_700_000_000 {
			t.Errorf("expected timestamp 1700000000, got %d", got.Unix())
		}
		if !got.IsMixer {
			t.Error("expected is_mixer to survive storage")
		}
		if got.Extra["memo"] != "gift" {
			t.Errorf("expected extra memo, got %v", got.Extra)
		}
	})

	t.Run("SaveTransactionUpserts", func(t *testing.T) {
		tx := transfer("0xbbb", "0xa", "0xb", 10, 1_700_000_100)
		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}
		tx.USDValue = 20
		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("second SaveTransaction failed: %v", err)
		}
		got, _ := repo.GetTransaction(ctx, "0xbbb")
		if got.USD() != 20 {
			t.Errorf("expected updated usd 20, got %v", got.USD())
		}
	})

	t.Run("GetTransactionNotFound", func(t *testing.T) {
		if _, err := repo.GetTransaction(ctx, "0xmissing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		if err := repo.SaveTransaction(ctx, &domain.Transaction{}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if err := repo.SaveEvaluation(ctx, &domain.Evaluation{}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.ListTransactionsByAddress(ctx, " ", time.Time{}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("SaveAndGetEvaluation", func(t *testing.T) {
		created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		eval := &domain.Evaluation{
			ID:          "eval-001",
			TxHash:      "0xaaa",
			Address:     "0xto",
			RiskScore:   65,
			RiskLevel:   domain.RiskHigh,
			RiskTags:    []string{"mixer_inflow"},
			FiredRules:  []domain.FiredRule{{RuleID: "E-101", Score: 40, Axis: "E", Name: "Mixer inflow"}},
			Features:    domain.Features{domain.FeatureTotalPPR: 0.42},
			Alert:       true,
			CreatedAt:   created,
			DurationMs:  3,
			Explanation: "Classified as high: 1-hop mixer inflow of 1,500 USD.",
		}
		if err := repo.SaveEvaluation(ctx, eval); err != nil {
			t.Fatalf("SaveEvaluation failed: %v", err)
		}

		got, err := repo.GetEvaluation(ctx, "eval-001")
		if err != nil {
			t.Fatalf("GetEvaluation failed: %v", err)
		}
		if got.RiskLevel != domain.RiskHigh || got.RiskScore != 65 || !got.Alert {
			t.Errorf("unexpected evaluation %+v", got)
		}
		if len(got.FiredRules) != 1 || got.FiredRules[0].RuleID != "E-101" || got.FiredRules[0].Axis != "E" {
			t.Errorf("unexpected fired rules %+v", got.FiredRules)
		}
		if len(got.RiskTags) != 1 || got.RiskTags[0] != "mixer_inflow" {
			t.Errorf("unexpected tags %v", got.RiskTags)
		}
		if got.Features[domain.FeatureTotalPPR] != 0.42 {
			t.Errorf("expected total_ppr 0.42, got %v", got.Features)
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("expected created_at %v, got %v", created, got.CreatedAt)
		}
	})

	t.Run("EvaluationWithoutFeatures", func(t *testing.T) {
		eval := &domain.Evaluation{ID: "eval-002", TxHash: "0xbbb", RiskLevel: domain.RiskLow}
		if err := repo.SaveEvaluation(ctx, eval); err != nil {
			t.Fatalf("SaveEvaluation failed: %v", err)
		}
		got, err := repo.GetEvaluation(ctx, "eval-002")
		if err != nil {
			t.Fatalf("GetEvaluation failed: %v", err)
		}
		if got.Features != nil || got.Alert || len(got.RiskTags) != 0 {
			t.Errorf("unexpected evaluation %+v", got)
		}
	})

	t.Run("GetEvaluationNotFound", func(t *testing.T) {
		if _, err := repo.GetEvaluation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestListTransactions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	txs := []*domain.Transaction{
		transfer("0x3", "0xA", "0xX", 30, 3000),
		transfer("0x1", "0xB", "0xX", 10, 1000),
		transfer("0x2", "0xX", "0xC", 20, 2000),
		transfer("0x4", "0xD", "0xE", 40, 4000),
	}
	for _, tx := range txs {
		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}
	}

	t.Run("Since", func(t *testing.T) {
		got, err := repo.ListTransactionsSince(ctx, time.Unix(2000, 0), 0)
		if err != nil {
			t.Fatalf("ListTransactionsSince failed: %v", err)
		}
		if len(got) != 3 || got[0].TxHash != "0x2" || got[2].TxHash != "0x4" {
			t.Errorf("expected 0x2..0x4 oldest first, got %d transactions", len(got))
		}
	})

	t.Run("SinceWithLimit", func(t *testing.T) {
		got, err := repo.ListTransactionsSince(ctx, time.Unix(0, 0), 2)
		if err != nil {
			t.Fatalf("ListTransactionsSince failed: %v", err)
		}
		if len(got) != 2 || got[0].TxHash != "0x1" {
			t.Errorf("expected the two oldest transactions, got %d", len(got))
		}
	})

	t.Run("ByAddress", func(t *testing.T) {
		got, err := repo.ListTransactionsByAddress(ctx, "0xx", time.Unix(0, 0))
		if err != nil {
			t.Fatalf("ListTransactionsByAddress failed: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 transactions touching 0xX, got %d", len(got))
		}
		for i, want := range []string{"0x1", "0x2", "0x3"} {
			if got[i].TxHash != want {
				t.Errorf("position %d: expected %s, got %s", i, want, got[i].TxHash)
			}
		}
	})

	t.Run("ByTargetAddress", func(t *testing.T) {
		tx := &domain.Transaction{TxHash: "0x5", TargetAddress: "0xT", CounterpartyAddress: "0xP", Timestamp: 5000}
		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}
		got, err := repo.ListTransactionsByAddress(ctx, "0xT", time.Unix(0, 0))
		if err != nil {
			t.Fatalf("ListTransactionsByAddress failed: %v", err)
		}
		if len(got) != 1 || got[0].TxHash != "0x5" {
			t.Errorf("expected 0x5 by target address, got %d", len(got))
		}
	})
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("unexpected postgres query %q", got)
	}
	lite := &SQLRepository{driver: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("unexpected sqlite query %q", got)
	}
}

func TestNew_UnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
