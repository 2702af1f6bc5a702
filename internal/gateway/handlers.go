package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/creditflow/metergate/internal/ledger"
	"github.com/creditflow/metergate/internal/pricing"
	"github.com/creditflow/metergate/internal/relay"
	"github.com/creditflow/metergate/internal/upstream"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const defaultTransactionLimit = 50

// Request/Response types

type ChatRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if r.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	return nil
}

type GenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

func (r *GenerateRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if r.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	return nil
}

type EstimateRequest struct {
	Model           string `json:"model"`
	EstimatedTokens int64  `json:"estimated_tokens,omitempty"`
	Promotional     bool   `json:"promotional,omitempty"`
}

// handleChat runs one metered streaming chat request.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := ctx.Value("user_id").(string)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Resume the stored upstream session unless the caller pinned one.
	if req.ConversationID == "" && g.cache != nil {
		req.ConversationID, _ = g.cache.Conversation(ctx, userID, req.Model)
	}

	g.logger.Info("chat request",
		zap.String("request_id", middleware.GetReqID(ctx)),
		zap.String("user_id", userID),
		zap.String("model", req.Model),
	)

	err := g.proxy.StreamChat(ctx, w, relay.Request{
		RequestID:      middleware.GetReqID(ctx),
		UserID:         userID,
		ModelID:        req.Model,
		Prompt:         req.Prompt,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		// The proxy guarantees nothing was written before the stream opened,
		// so the error can still be mapped to a status.
		g.writeProxyError(w, userID, req.Model, err)
	}
}

// handleGenerate runs one fixed-price media request.
func (g *Gateway) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := ctx.Value("user_id").(string)

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.logger.Info("generate request",
		zap.String("request_id", middleware.GetReqID(ctx)),
		zap.String("user_id", userID),
		zap.String("model", req.Model),
	)

	receipt, err := g.proxy.Generate(ctx, relay.Request{
		RequestID: middleware.GetReqID(ctx),
		UserID:    userID,
		ModelID:   req.Model,
		Prompt:    req.Prompt,
	})
	if err != nil {
		g.writeProxyError(w, userID, req.Model, err)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"url":     receipt.Result.URL,
		"format":  receipt.Result.Format,
		"credits": receipt.Credits,
		"balance": receipt.Balance,
	})
}

// handleEstimate returns the client-facing cost preview for a call that has
// not happened yet.
func (g *Gateway) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req EstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" {
		g.writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	quote := g.estimator.Preview(req.Model, pricing.PreviewOptions{
		EstimatedTokens: req.EstimatedTokens,
		Promotional:     req.Promotional,
	})

	g.writeJSON(w, http.StatusOK, quote)
}

func (g *Gateway) handleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := ctx.Value("user_id").(string)

	balance, err := g.ledger.GetBalance(ctx, userID)
	if err != nil {
		g.logger.Error("failed to read balance",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		g.writeError(w, http.StatusServiceUnavailable, "credit store unavailable")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"balance": balance,
	})
}

func (g *Gateway) handleTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := ctx.Value("user_id").(string)

	limit := defaultTransactionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			g.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	txs, err := g.ledger.ListTransactions(ctx, userID, limit)
	if err != nil {
		g.logger.Error("failed to list transactions",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		g.writeError(w, http.StatusServiceUnavailable, "credit store unavailable")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   txs,
	})
}

func (g *Gateway) handleListModels(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   g.catalog.List(),
	})
}

func (g *Gateway) handleGetModel(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "model")
	g.writeJSON(w, http.StatusOK, g.catalog.Describe(modelID))
}

// writeProxyError maps a proxy error to an HTTP status. Admission denials
// carry the shortfall so clients can prompt for a top-up.
func (g *Gateway) writeProxyError(w http.ResponseWriter, userID, model string, err error) {
	var admission *relay.AdmissionError
	if errors.As(err, &admission) {
		g.writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":    "insufficient credits",
			"required": admission.Required,
			"current":  admission.Current,
		})
		return
	}

	var status *upstream.StatusError
	if errors.As(err, &status) {
		g.writeError(w, status.Code, status.Message)
		return
	}

	switch {
	case errors.Is(err, upstream.ErrCredentialMissing):
		g.logger.Error("model backend not configured",
			zap.String("model", model),
			zap.Error(err),
		)
		g.writeError(w, http.StatusInternalServerError, "model backend not configured")
	case errors.Is(err, ledger.ErrUnavailable):
		g.writeError(w, http.StatusServiceUnavailable, "credit store unavailable")
	default:
		g.logger.Error("upstream call failed",
			zap.String("user_id", userID),
			zap.String("model", model),
			zap.Error(err),
		)
		g.writeError(w, http.StatusBadGateway, "upstream call failed")
	}
}
