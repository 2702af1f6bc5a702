package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/creditflow/metergate/internal/catalog"
	"github.com/creditflow/metergate/internal/ledger"
	"github.com/creditflow/metergate/internal/pricing"
	"github.com/creditflow/metergate/internal/upstream"
	"go.uber.org/zap"
)

type fakeUpstream struct {
	mu            sync.Mutex
	streamCalls   int
	generateCalls int

	streamBody  string
	streamErr   error
	generateErr error
}

func (f *fakeUpstream) OpenStream(ctx context.Context, req upstream.ChatRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.streamCalls++
	f.mu.Unlock()

	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return io.NopCloser(strings.NewReader(f.streamBody)), nil
}

func (f *fakeUpstream) Generate(ctx context.Context, req upstream.GenerateRequest) (*upstream.GenerateResult, error) {
	f.mu.Lock()
	f.generateCalls++
	f.mu.Unlock()

	if f.generateErr != nil {
		return nil, f.generateErr
	}
	return &upstream.GenerateResult{URL: "https://cdn.example.com/out.png", Format: "png"}, nil
}

func (f *fakeUpstream) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamCalls, f.generateCalls
}

// errWriter simulates a client that disconnected: every write fails.
type errWriter struct {
	hdr http.Header
}

func (w *errWriter) Header() http.Header {
	if w.hdr == nil {
		w.hdr = make(http.Header)
	}
	return w.hdr
}

func (w *errWriter) WriteHeader(int) {}

func (w *errWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func newTestProxy(up Upstream) (*Proxy, *ledger.Memory) {
	logger := zap.NewNop()
	cat := catalog.New(logger)
	led := ledger.NewMemory()
	return NewProxy(cat, pricing.NewEstimator(cat), led, up, nil, nil, logger), led
}

const workflowStream = `{"event":"message","answer":"Hello ","conversation_id":"conv-1"}
{"event":"message","answer":"world"}
{"event":"message_end","metadata":{"usage":{"prompt_tokens":100,"completion_tokens":400,"total_tokens":500}}}
data: [DONE]
`

func TestStreamChatSettlesFromReportedUsage(t *testing.T) {
	up := &fakeUpstream{streamBody: workflowStream}
	proxy, led := newTestProxy(up)

	rec := httptest.NewRecorder()
	err := proxy.StreamChat(context.Background(), rec, Request{UserID: "alice", ModelID: "gpt-5", Prompt: "hi"})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	// 500 tokens at 20 credits per 1000 is 10 credits.
	balance, _ := led.GetBalance(context.Background(), "alice")
	if balance != ledger.DefaultGrant-10 {
		t.Fatalf("balance = %d, want %d", balance, ledger.DefaultGrant-10)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `{"type":"text-delta","text":"Hello "}`) {
		t.Fatalf("output missing first delta:\n%s", body)
	}
	if !strings.Contains(body, `{"type":"finish"}`) {
		t.Fatalf("output missing finish record:\n%s", body)
	}
}

func TestStreamChatSettlesExactlyOnce(t *testing.T) {
	// The stream signals end-of-output twice: once via message_end and once
	// via [DONE]. Exactly one debit transaction may result.
	up := &fakeUpstream{streamBody: workflowStream}
	proxy, led := newTestProxy(up)

	rec := httptest.NewRecorder()
	if err := proxy.StreamChat(context.Background(), rec, Request{UserID: "bob", ModelID: "gpt-5", Prompt: "hi"}); err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	txs, _ := led.ListTransactions(context.Background(), "bob", 10)
	if len(txs) != 1 {
		t.Fatalf("got %d transactions, want exactly 1", len(txs))
	}
	if txs[0].Amount != -10 {
		t.Fatalf("transaction amount = %d, want -10", txs[0].Amount)
	}
}

func TestStreamChatRejectsWithoutUpstreamCall(t *testing.T) {
	up := &fakeUpstream{streamBody: workflowStream}
	proxy, led := newTestProxy(up)

	// Drain the account below the minimum charge first.
	if _, err := led.Debit(context.Background(), "carol", ledger.DefaultGrant); err != nil {
		t.Fatalf("drain: %v", err)
	}

	rec := httptest.NewRecorder()
	err := proxy.StreamChat(context.Background(), rec, Request{UserID: "carol", ModelID: "gpt-5", Prompt: "hi"})

	var admission *AdmissionError
	if !errors.As(err, &admission) {
		t.Fatalf("expected AdmissionError, got %v", err)
	}
	if admission.Required != pricing.MinCharge || admission.Current != 0 {
		t.Fatalf("admission error = %+v", admission)
	}

	if streams, _ := up.calls(); streams != 0 {
		t.Fatalf("rejected request reached upstream %d times", streams)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("rejected request wrote %d bytes to the client", rec.Body.Len())
	}
}

func TestStreamChatClientDisconnectStillSettles(t *testing.T) {
	up := &fakeUpstream{streamBody: workflowStream}
	proxy, led := newTestProxy(up)

	err := proxy.StreamChat(context.Background(), &errWriter{}, Request{UserID: "dave", ModelID: "gpt-5", Prompt: "hi"})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	// Tokens were produced; the disconnected client still pays for them.
	balance, _ := led.GetBalance(context.Background(), "dave")
	if balance != ledger.DefaultGrant-10 {
		t.Fatalf("balance = %d, want %d", balance, ledger.DefaultGrant-10)
	}
}

func TestStreamChatMissingUsageFallsBackToEstimate(t *testing.T) {
	// Upstream never sends a usage report. Settlement bills the standalone
	// default of 1000 tokens rather than letting the call go free.
	up := &fakeUpstream{streamBody: "{\"event\":\"message\",\"answer\":\"hi\"}\n"}
	proxy, led := newTestProxy(up)

	rec := httptest.NewRecorder()
	if err := proxy.StreamChat(context.Background(), rec, Request{UserID: "erin", ModelID: "gpt-5", Prompt: "hi"}); err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	balance, _ := led.GetBalance(context.Background(), "erin")
	if balance != ledger.DefaultGrant-20 {
		t.Fatalf("balance = %d, want %d", balance, ledger.DefaultGrant-20)
	}
}

func TestStreamChatUpstreamErrorBeforeOutput(t *testing.T) {
	up := &fakeUpstream{streamErr: &upstream.StatusError{Code: 503, Message: "overloaded"}}
	proxy, led := newTestProxy(up)

	rec := httptest.NewRecorder()
	err := proxy.StreamChat(context.Background(), rec, Request{UserID: "frank", ModelID: "gpt-5", Prompt: "hi"})

	var status *upstream.StatusError
	if !errors.As(err, &status) || status.Code != 503 {
		t.Fatalf("expected propagated status error, got %v", err)
	}

	// Nothing streamed, nothing charged.
	balance, _ := led.GetBalance(context.Background(), "frank")
	if balance != ledger.DefaultGrant {
		t.Fatalf("balance = %d, want untouched %d", balance, ledger.DefaultGrant)
	}
}

func TestGenerateChargesAfterSuccess(t *testing.T) {
	up := &fakeUpstream{}
	proxy, led := newTestProxy(up)

	receipt, err := proxy.Generate(context.Background(), Request{UserID: "gina", ModelID: "image-gen", Prompt: "a cat"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if receipt.Credits != 125 {
		t.Fatalf("credits = %d, want 125", receipt.Credits)
	}
	if receipt.Balance != ledger.DefaultGrant-125 {
		t.Fatalf("balance = %d, want %d", receipt.Balance, ledger.DefaultGrant-125)
	}
	if receipt.Result.URL == "" {
		t.Fatal("receipt missing result")
	}

	txs, _ := led.ListTransactions(context.Background(), "gina", 10)
	if len(txs) != 1 || txs[0].Amount != -125 {
		t.Fatalf("transactions = %+v", txs)
	}
}

func TestGenerateFailureIsFree(t *testing.T) {
	up := &fakeUpstream{generateErr: errors.New("render farm down")}
	proxy, led := newTestProxy(up)

	if _, err := proxy.Generate(context.Background(), Request{UserID: "hank", ModelID: "image-gen", Prompt: "a cat"}); err == nil {
		t.Fatal("expected error from failed generation")
	}

	balance, _ := led.GetBalance(context.Background(), "hank")
	if balance != ledger.DefaultGrant {
		t.Fatalf("failed generation charged the account: balance %d", balance)
	}

	txs, _ := led.ListTransactions(context.Background(), "hank", 10)
	if len(txs) != 0 {
		t.Fatalf("failed generation recorded %d transactions", len(txs))
	}
}

func TestGenerateRejectsBelowFixedPrice(t *testing.T) {
	up := &fakeUpstream{}
	proxy, led := newTestProxy(up)

	// 100 credits cannot cover video-gen's 750.
	if _, err := led.Debit(context.Background(), "ivy", ledger.DefaultGrant-100); err != nil {
		t.Fatalf("drain: %v", err)
	}

	_, err := proxy.Generate(context.Background(), Request{UserID: "ivy", ModelID: "video-gen", Prompt: "a film"})
	var admission *AdmissionError
	if !errors.As(err, &admission) {
		t.Fatalf("expected AdmissionError, got %v", err)
	}
	if admission.Required != 750 || admission.Current != 100 {
		t.Fatalf("admission error = %+v", admission)
	}

	if _, gens := up.calls(); gens != 0 {
		t.Fatalf("rejected request reached upstream %d times", gens)
	}
}

func TestStreamChatUnknownModelBilledAtDefault(t *testing.T) {
	up := &fakeUpstream{streamBody: workflowStream}
	proxy, led := newTestProxy(up)

	rec := httptest.NewRecorder()
	if err := proxy.StreamChat(context.Background(), rec, Request{UserID: "judy", ModelID: "never-heard-of-it", Prompt: "hi"}); err != nil {
		t.Fatalf("StreamChat: %v", err)
	}

	// Fallback standalone rate: 500 tokens at 20 per 1000 is 10 credits.
	balance, _ := led.GetBalance(context.Background(), "judy")
	if balance != ledger.DefaultGrant-10 {
		t.Fatalf("balance = %d, want %d", balance, ledger.DefaultGrant-10)
	}
}
