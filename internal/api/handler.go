package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/repository"
	"github.com/opensource-finance/tracex/internal/scoring"
)

// maxBodyBytes bounds request bodies; address analyses may carry a long
// transaction history.
const maxBodyBytes = 8 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	service *scoring.Service
	version string
}

// NewHandler creates a new API handler.
func NewHandler(service *scoring.Service, version string) *Handler {
	return &Handler{service: service, version: version}
}

// ScoreResponse is the response for POST /score/transaction.
type ScoreResponse struct {
	EvaluationID  string            `json:"evaluation_id"`
	TxHash        string            `json:"tx_hash"`
	TargetAddress string            `json:"target_address"`
	RiskScore     float64           `json:"risk_score"`
	RiskLevel     domain.RiskLevel  `json:"risk_level"`
	RiskTags      []string          `json:"risk_tags"`
	FiredRules    []domain.RulePair `json:"fired_rules"`
	Explanation   string            `json:"explanation"`
	Alert         bool              `json:"alert"`
	Features      domain.Features   `json:"features,omitempty"`
	Metadata      ResponseMetadata  `json:"metadata"`
}

// ResponseMetadata describes how a response was produced.
type ResponseMetadata struct {
	TraceID string `json:"trace_id"`
	TotalMs int64  `json:"total_ms"`
	Version string `json:"version"`
}

// ScoreTransaction handles POST /score/transaction. The query parameters
// topology and features enable the optional evaluation work.
func (h *Handler) ScoreTransaction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var tx domain.Transaction
	if err := decodeBody(w, r, &tx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if tx.TxHash == "" {
		writeError(w, http.StatusBadRequest, "tx_hash is required")
		return
	}
	if tx.Receiver() == "" && tx.TargetAddress == "" {
		writeError(w, http.StatusBadRequest, "to or target_address is required")
		return
	}

	req := scoring.Request{Source: "api"}
	if v := r.URL.Query().Get("topology"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "topology must be a boolean")
			return
		}
		req.Topology = &on
	}
	req.Features, _ = strconv.ParseBool(r.URL.Query().Get("features"))

	result, err := h.service.ScoreTransaction(ctx, &tx, req)
	if err != nil {
		if ctx.Err() != nil {
			writeError(w, http.StatusServiceUnavailable, "request cancelled")
			return
		}
		slog.Error("transaction scoring failed", "tx_hash", tx.TxHash, "error", err)
		writeError(w, http.StatusInternalServerError, "scoring failed")
		return
	}

	target := strings.ToLower(tx.TargetAddress)
	if target == "" {
		target = tx.Receiver()
	}
	writeJSON(w, http.StatusOK, ScoreResponse{
		EvaluationID:  result.ID,
		TxHash:        result.TxHash,
		TargetAddress: target,
		RiskScore:     result.RiskScore,
		RiskLevel:     result.RiskLevel,
		RiskTags:      result.RiskTags,
		FiredRules:    domain.ToPairs(result.FiredRules),
		Explanation:   result.Explanation,
		Alert:         result.Alert,
		Features:      result.Features,
		Metadata: ResponseMetadata{
			TraceID: GetTraceID(ctx),
			TotalMs: time.Since(start).Milliseconds(),
			Version: h.version,
		},
	})
}

// AnalyzeRequest is the request body for POST /analyze/address. Without
// transactions the persisted history of the last LookbackDays is used.
type AnalyzeRequest struct {
	Address       string                `json:"address"`
	TargetAddress string                `json:"target_address"`
	Chain         string                `json:"chain"`
	Transactions  []*domain.Transaction `json:"transactions"`
	LookbackDays  int                   `json:"lookback_days"`
}

// AnalyzeResponse is the response for POST /analyze/address.
type AnalyzeResponse struct {
	TargetAddress string                 `json:"target_address"`
	Chain         string                 `json:"chain"`
	RiskScore     int                    `json:"risk_score"`
	RiskLevel     domain.RiskLevel       `json:"risk_level"`
	RiskTags      []string               `json:"risk_tags"`
	FiredRules    []domain.RulePair      `json:"fired_rules"`
	Axes          []domain.AxisScore     `json:"axes"`
	Explanation   string                 `json:"explanation"`
	Patterns      domain.PatternCounts   `json:"transaction_patterns"`
	Summary       domain.AnalysisSummary `json:"analysis_summary"`
	Timeline      []domain.TimelineEntry `json:"timeline"`
	Metadata      ResponseMetadata       `json:"metadata"`
}

// AnalyzeAddress handles POST /analyze/address.
func (h *Handler) AnalyzeAddress(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req AnalyzeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	address := req.Address
	if address == "" {
		address = req.TargetAddress
	}
	if strings.TrimSpace(address) == "" {
		writeError(w, http.StatusBadRequest, "address or target_address is required")
		return
	}
	if req.Chain == "" {
		writeError(w, http.StatusBadRequest, "chain is required")
		return
	}

	analysis, err := h.service.AnalyzeAddress(ctx, address, req.Chain, req.Transactions, req.LookbackDays)
	switch {
	case errors.Is(err, scoring.ErrNoTransactions):
		writeError(w, http.StatusNotFound, "no transactions for address")
		return
	case err != nil:
		slog.Error("address analysis failed", "address", address, "error", err)
		writeError(w, http.StatusInternalServerError, "analysis failed")
		return
	}

	writeJSON(w, http.StatusOK, AnalyzeResponse{
		TargetAddress: analysis.Address,
		Chain:         analysis.Chain,
		RiskScore:     int(analysis.RiskScore),
		RiskLevel:     analysis.RiskLevel,
		RiskTags:      analysis.RiskTags,
		FiredRules:    analysis.FiredRules,
		Axes:          analysis.Axes,
		Explanation:   analysis.Explanation,
		Patterns:      analysis.Patterns,
		Summary:       analysis.Summary,
		Timeline:      analysis.Timeline,
		Metadata: ResponseMetadata{
			TraceID: GetTraceID(ctx),
			TotalMs: time.Since(start).Milliseconds(),
			Version: h.version,
		},
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if repo := h.service.Repository(); repo != nil {
		if err := repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if c := h.service.Cache(); c != nil {
		if err := c.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"rules":   h.service.Engine().RulesCount(),
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetEvaluation retrieves an evaluation by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	repo := h.service.Repository()
	if repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	eval, err := repo.GetEvaluation(r.Context(), id)
	if err != nil {
		h.lookupFailed(w, "evaluation", id, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// GetTransaction retrieves a transaction by hash.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	repo := h.service.Repository()
	if repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	tx, err := repo.GetTransaction(r.Context(), hash)
	if err != nil {
		h.lookupFailed(w, "transaction", hash, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) lookupFailed(w http.ResponseWriter, kind, id string, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, kind+" not found")
		return
	}
	slog.Error("failed to get "+kind, "id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "failed to get "+kind)
}

// ListRules returns the loaded rule-book in evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	book := h.service.Engine().Book()
	writeJSON(w, http.StatusOK, map[string]any{
		"version": book.Version,
		"rules":   book.Rules,
		"count":   len(book.Rules),
	})
}

// GetRule retrieves a loaded rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, rule := range h.service.Engine().Rules() {
		if rule.ID == id {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}
	writeError(w, http.StatusNotFound, "rule not found")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
