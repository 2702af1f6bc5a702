package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/creditflow/metergate/internal/catalog"
	"github.com/creditflow/metergate/internal/ledger"
	"github.com/creditflow/metergate/internal/pricing"
	"github.com/creditflow/metergate/internal/upstream"
	"github.com/creditflow/metergate/pkg/events"
	"github.com/creditflow/metergate/pkg/metrics"
	"github.com/creditflow/metergate/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultStreamTimeout = 60 * time.Second
	settleTimeout        = 5 * time.Second
)

// Upstream is the slice of the inference client the proxy needs. Tests
// substitute a scripted fake; admission tests assert it was never called.
type Upstream interface {
	OpenStream(ctx context.Context, req upstream.ChatRequest) (io.ReadCloser, error)
	Generate(ctx context.Context, req upstream.GenerateRequest) (*upstream.GenerateResult, error)
}

// Conversations persists upstream conversation ids for follow-up turns.
type Conversations interface {
	SaveConversation(ctx context.Context, userID, modelID, conversationID string) error
}

// AdmissionError is returned from the pre-flight check when the balance
// cannot cover the minimum charge. No upstream call has been made.
type AdmissionError struct {
	Required int64
	Current  int64
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Current)
}

// Request is one metered inference request.
type Request struct {
	RequestID      string
	UserID         string
	ModelID        string
	Prompt         string
	ConversationID string
}

// GenerateReceipt is the settled result of a fixed-price media call.
type GenerateReceipt struct {
	Result  *upstream.GenerateResult
	Credits int64
	Balance int64
}

// Proxy relays upstream inference streams to callers while metering them.
//
// Each request moves through precheck, relay, and settlement: the admission
// check runs before any upstream contact, the relay forwards output as it
// arrives while a side-channel parser extracts usage, and settlement debits
// the account exactly once when the upstream stream ends. Media calls use
// the post-success policy instead: a failed call is never charged.
type Proxy struct {
	catalog   *catalog.Catalog
	estimator *pricing.Estimator
	ledger    ledger.Ledger
	upstream  Upstream
	convs     Conversations
	bus       *events.Bus
	logger    *zap.Logger

	// streamTimeout bounds one whole upstream stream.
	streamTimeout time.Duration
}

// NewProxy creates a metering proxy. convs and bus may be nil.
func NewProxy(cat *catalog.Catalog, est *pricing.Estimator, led ledger.Ledger, up Upstream, convs Conversations, bus *events.Bus, logger *zap.Logger) *Proxy {
	return &Proxy{
		catalog:       cat,
		estimator:     est,
		ledger:        led,
		upstream:      up,
		convs:         convs,
		bus:           bus,
		logger:        logger,
		streamTimeout: defaultStreamTimeout,
	}
}

// SetStreamTimeout overrides the upstream stream deadline.
func (p *Proxy) SetStreamTimeout(d time.Duration) {
	p.streamTimeout = d
}

// outboundRecord is one line of the caller-facing protocol. Callers never
// see the upstream's wire shape.
type outboundRecord struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// admit is the pre-flight affordability check. A store outage denies
// conservatively: upstream capacity is never spent on a request whose
// balance is unknown.
func (p *Proxy) admit(ctx context.Context, userID, modelID string) error {
	minimum := p.estimator.MinimumCharge(modelID)

	balance, err := p.ledger.GetBalance(ctx, userID)
	if err != nil {
		p.logger.Error("balance check failed, denying admission",
			zap.String("user_id", userID),
			zap.String("model", modelID),
			zap.Error(err),
		)
		return fmt.Errorf("admission check: %w", err)
	}

	if balance < minimum {
		metrics.RecordAdmissionRejected(modelID)
		p.publish(events.NewEvent(events.EventAdmissionRejected, userID, map[string]interface{}{
			"model":    modelID,
			"required": minimum,
			"current":  balance,
		}))
		return &AdmissionError{Required: minimum, Current: balance}
	}

	return nil
}

// StreamChat runs one metered streaming request end to end. It writes
// nothing to w until the upstream stream is open, so a non-nil return means
// the caller can still send an error status.
//
// Once relaying begins, errors are absorbed: output already reached the
// caller and settlement runs regardless. Client disconnects stop the
// forwarding but not the upstream drain — tokens were produced and must be
// billed.
func (p *Proxy) StreamChat(ctx context.Context, w http.ResponseWriter, req Request) error {
	desc := p.catalog.Describe(req.ModelID)

	if err := p.admit(ctx, req.UserID, req.ModelID); err != nil {
		return err
	}

	// The upstream context deliberately does not inherit the client's
	// cancellation: a caller that stops reading must not cancel an upstream
	// call whose cost has already been incurred.
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.streamTimeout)
	defer cancel()

	body, err := p.upstream.OpenStream(uctx, upstream.ChatRequest{
		Model:          desc.ID,
		Credential:     desc.Credential,
		Prompt:         req.Prompt,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
	})
	if err != nil {
		metrics.RecordStream(desc.ID, false)
		return err
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	var (
		parser     lineParser
		usage      *models.UsageReport
		clientGone bool
		convSaved  bool
	)

	// Settlement is bound to stream closure and must fire at most once per
	// proxy instance, even if end-of-stream is signalled twice.
	var settleOnce sync.Once
	settle := func() {
		settleOnce.Do(func() {
			p.settle(req, desc, usage)
		})
	}
	defer settle()

	apply := func(ev StreamEvent) {
		if ev.ConversationID != "" && !convSaved && p.convs != nil {
			p.saveConversation(req, ev.ConversationID)
			convSaved = true
		}
		if ev.Usage != nil {
			usage = ev.Usage
		}
		if ev.Text != "" && !clientGone {
			if err := writeRecord(w, flusher, outboundRecord{Type: "text-delta", Text: ev.Text}); err != nil {
				// Keep draining for usage; there is no one left to write to.
				clientGone = true
				p.logger.Debug("client went away mid-stream",
					zap.String("request_id", req.RequestID),
					zap.Error(err),
				)
			}
		}
	}

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range parser.Append(buf[:n]) {
				apply(ev)
			}
		}

		if err == io.EOF {
			for _, ev := range parser.Flush() {
				apply(ev)
			}
			if !clientGone {
				if werr := writeRecord(w, flusher, outboundRecord{Type: "finish"}); werr != nil {
					p.logger.Debug("failed to write finish record", zap.Error(werr))
				}
			}
			settle()
			metrics.RecordStream(desc.ID, true)
			return nil
		}
		if err != nil {
			// Timeout or upstream failure mid-stream: settle with whatever
			// usage was captured so far.
			settle()
			metrics.RecordStream(desc.ID, false)
			p.logger.Warn("upstream stream aborted",
				zap.String("request_id", req.RequestID),
				zap.String("model", desc.ID),
				zap.Error(err),
			)
			return nil
		}
	}
}

// Generate runs one fixed-price media call with the post-success policy:
// admission first, then the blocking upstream call, and settlement only
// after a usable result came back.
func (p *Proxy) Generate(ctx context.Context, req Request) (*GenerateReceipt, error) {
	desc := p.catalog.Describe(req.ModelID)

	if err := p.admit(ctx, req.UserID, req.ModelID); err != nil {
		return nil, err
	}

	result, err := p.upstream.Generate(ctx, upstream.GenerateRequest{
		Model:      desc.ID,
		Credential: desc.Credential,
		Prompt:     req.Prompt,
		UserID:     req.UserID,
	})
	if err != nil {
		// No charge for a failed computation.
		return nil, err
	}

	quote := p.estimator.Actual(req.ModelID, nil)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	balance, err := p.ledger.Debit(sctx, req.UserID, quote.Credits)
	if err != nil {
		p.logSettlementFailure(req, desc, quote.Credits, err)
		balance, _ = p.ledger.GetBalance(sctx, req.UserID)
	} else {
		metrics.RecordSettlement(desc.ID, string(desc.Category), quote.Credits, true)
		p.publish(events.NewEvent(events.EventSettlementCompleted, req.UserID, map[string]interface{}{
			"model":   desc.ID,
			"credits": quote.Credits,
		}))
		p.recordTransaction(sctx, req, desc, quote.Credits, 0)
	}

	return &GenerateReceipt{Result: result, Credits: quote.Credits, Balance: balance}, nil
}

// settle computes the actual cost of a drained stream and debits it. Runs
// on its own context: the request context may already be dead.
func (p *Proxy) settle(req Request, desc catalog.ModelDescriptor, usage *models.UsageReport) {
	quote := p.estimator.Actual(req.ModelID, usage)
	if usage == nil {
		metrics.RecordUsageMissing(desc.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	balance, err := p.ledger.Debit(ctx, req.UserID, quote.Credits)
	if err != nil {
		p.logSettlementFailure(req, desc, quote.Credits, err)
		return
	}

	metrics.RecordSettlement(desc.ID, string(desc.Category), quote.Credits, true)
	p.publish(events.NewEvent(events.EventSettlementCompleted, req.UserID, map[string]interface{}{
		"model":   desc.ID,
		"credits": quote.Credits,
		"balance": balance,
	}))

	p.logger.Info("settled stream",
		zap.String("request_id", req.RequestID),
		zap.String("user_id", req.UserID),
		zap.String("model", desc.ID),
		zap.Int64("tokens", usage.TokenCount()),
		zap.Int64("credits", quote.Credits),
		zap.Int64("balance", balance),
	)

	p.recordTransaction(ctx, req, desc, quote.Credits, usage.TokenCount())
}

// logSettlementFailure records a debit that could not be applied. The
// response was already delivered, so this is accepted revenue leakage; it
// must stay loud in logs and metrics, never silent.
func (p *Proxy) logSettlementFailure(req Request, desc catalog.ModelDescriptor, credits int64, err error) {
	metrics.RecordSettlement(desc.ID, string(desc.Category), credits, false)
	p.publish(events.NewEvent(events.EventSettlementFailed, req.UserID, map[string]interface{}{
		"model":   desc.ID,
		"credits": credits,
		"error":   err.Error(),
	}))
	p.logger.Error("settlement debit failed, revenue leaked",
		zap.String("request_id", req.RequestID),
		zap.String("user_id", req.UserID),
		zap.String("model", desc.ID),
		zap.Int64("credits", credits),
		zap.Error(err),
	)
}

// recordTransaction appends the audit row, best-effort.
func (p *Proxy) recordTransaction(ctx context.Context, req Request, desc catalog.ModelDescriptor, credits, tokens int64) {
	description := fmt.Sprintf("%s call", desc.ID)
	if tokens > 0 {
		description = fmt.Sprintf("%s call (%d tokens)", desc.ID, tokens)
	}

	tx := models.Transaction{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		Amount:      -credits,
		Kind:        models.TransactionDebit,
		Description: description,
		Timestamp:   time.Now().UTC(),
	}

	if err := p.ledger.RecordTransaction(ctx, tx); err != nil {
		p.logger.Warn("failed to write audit row",
			zap.String("request_id", req.RequestID),
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
	}
}

func (p *Proxy) saveConversation(req Request, conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.convs.SaveConversation(ctx, req.UserID, req.ModelID, conversationID); err != nil {
		p.logger.Debug("failed to persist conversation id",
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
	}
}

func (p *Proxy) publish(event events.Event) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(context.Background(), event)
}

// writeRecord encodes one outbound line and flushes it immediately so the
// caller sees output with no added latency.
func writeRecord(w io.Writer, flusher http.Flusher, rec outboundRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if _, err := w.Write(data); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
