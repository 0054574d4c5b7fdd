package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/freightpay/internal/escrow"
	"github.com/mbd888/freightpay/internal/logging"
	"github.com/mbd888/freightpay/internal/payments"
	"github.com/mbd888/freightpay/internal/retry"
)

var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

func waitFor(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("deliveries did not finish: %v", err)
	}
}

// memorySink records events and can fail the first n sends.
type memorySink struct {
	mu       sync.Mutex
	events   []*Event
	failures int
	calls    atomic.Int32
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Send(_ context.Context, e *Event) error {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("sink unavailable")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memorySink) Types() []Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Type, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func TestHTTPSink_SignsPayload(t *testing.T) {
	secret := "sink_secret" //nolint:gosec // test credential

	var (
		mu      sync.Mutex
		gotSig  string
		gotType string
		gotTS   string
		gotBody []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get(HeaderSignature)
		gotType = r.Header.Get(HeaderEvent)
		gotTS = r.Header.Get(HeaderTimestamp)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	d := NewDispatcher(nil, NewHTTPSink(server.URL, secret)).WithPolicy(fastPolicy)
	d.Dispatch(&Event{ID: "evt_1", Type: PaymentCompleted, Timestamp: time.Now(), Data: map[string]interface{}{"amount": 50000}})
	waitFor(t, d)

	mu.Lock()
	defer mu.Unlock()
	if gotType != string(PaymentCompleted) || gotTS == "" {
		t.Errorf("missing event headers: type=%q ts=%q", gotType, gotTS)
	}
	if gotSig != Sign(gotBody, secret) {
		t.Errorf("signature mismatch: %s", gotSig)
	}
	var e Event
	if err := json.Unmarshal(gotBody, &e); err != nil || e.ID != "evt_1" {
		t.Errorf("unexpected payload %s", gotBody)
	}
}

func TestHTTPSink_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(nil, NewHTTPSink(server.URL, "")).WithPolicy(fastPolicy)
	d.Dispatch(&Event{Type: PaymentInitiated, Timestamp: time.Now()})
	waitFor(t, d)

	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestHTTPSink_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	d := NewDispatcher(nil, NewHTTPSink(server.URL, "")).WithPolicy(fastPolicy)
	d.Dispatch(&Event{Type: PaymentFailed, Timestamp: time.Now()})
	waitFor(t, d)

	if calls.Load() != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls.Load())
	}
}

func TestDispatcher_SinksAreIndependent(t *testing.T) {
	good := &memorySink{}
	flaky := &memorySink{failures: 1}
	broken := &memorySink{failures: 100}

	d := NewDispatcher(nil, good, flaky, broken).WithPolicy(fastPolicy)
	d.Dispatch(&Event{Type: EscrowFunded, Timestamp: time.Now()})
	waitFor(t, d)

	if len(good.Types()) != 1 || len(flaky.Types()) != 1 {
		t.Fatalf("healthy sinks should receive the event: good=%v flaky=%v", good.Types(), flaky.Types())
	}
	if broken.calls.Load() != int32(fastPolicy.MaxAttempts) {
		t.Fatalf("broken sink tried %d times, want %d", broken.calls.Load(), fastPolicy.MaxAttempts)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(logging.NewWithWriter(&buf, "info", "json"))

	err := sink.Send(context.Background(), &Event{ID: "evt_9", Type: EscrowDisputed, Data: map[string]interface{}{"escrowId": "esc_1"}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"audit event", "evt_9", "escrow.disputed", "esc_1"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestEmitter_EscrowTransitions(t *testing.T) {
	sink := &memorySink{}
	d := NewDispatcher(nil, sink).WithPolicy(fastPolicy)
	em := NewEmitter(d)

	esc := &escrow.Escrow{ID: "esc_1", ShipmentID: "S1", PayerID: "shipper_1", Amount: 50000}
	for _, step := range []struct{ from, to escrow.State }{
		{escrow.StatePending, escrow.StateFunded},
		{escrow.StateFunded, escrow.StateDisputed},
		{escrow.StateDisputed, escrow.StateReleased},
	} {
		esc.State = step.to
		em.EmitEscrowTransition(esc, step.from, escrow.Evidence{Actor: "admin", Reason: "pod signed"})
	}
	esc.State = escrow.StateRefunded
	em.EmitEscrowTransition(esc, escrow.StatePending, escrow.Evidence{Actor: "cash"})
	waitFor(t, d)

	got := map[Type]bool{}
	for _, typ := range sink.Types() {
		got[typ] = true
	}
	for _, want := range []Type{EscrowFunded, EscrowDisputed, EscrowReleased, EscrowRefunded} {
		if !got[want] {
			t.Errorf("missing %s in %v", want, sink.Types())
		}
	}
}

func TestEmitter_PaymentEventsMaskPhone(t *testing.T) {
	sink := &memorySink{}
	d := NewDispatcher(nil, sink).WithPolicy(fastPolicy)
	em := NewEmitter(d)

	tx := &payments.Transaction{
		ID: "ptx_1", EscrowID: "esc_1", Method: payments.MethodProviderA,
		Status: payments.StatusFailed, Amount: 50000, PayerPhone: "260971234567",
		FailureReason: "payer declined",
	}
	em.EmitPaymentFailed(tx)
	waitFor(t, d)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 {
		t.Fatalf("expected one event, got %d", len(sink.events))
	}
	e := sink.events[0]
	if e.Type != PaymentFailed || e.Data["reason"] != "payer declined" {
		t.Fatalf("unexpected event %+v", e)
	}
	if phone, _ := e.Data["payerPhone"].(string); phone == "" || strings.Contains(phone, "2609712") {
		t.Fatalf("payer phone not masked: %q", phone)
	}
	if !strings.HasPrefix(e.ID, "evt_") {
		t.Fatalf("unexpected event id %q", e.ID)
	}
}

func TestNilEmitterIsSafe(t *testing.T) {
	var em *Emitter
	em.EmitPaymentInitiated(&payments.Transaction{ID: "ptx_1"})
}

func TestRedisSink(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	channel := "freightpay:events:test:" + t.Name()
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sink := NewRedisSink(client, channel)
	if err := sink.Send(ctx, &Event{ID: "evt_r", Type: EscrowReleased, Timestamp: time.Now()}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if !strings.Contains(msg.Payload, "evt_r") {
		t.Fatalf("unexpected payload %s", msg.Payload)
	}
}
