package providera

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mbd888/freightpay/internal/providers"
	"github.com/mbd888/freightpay/internal/retry"
)

func TestMapProviderStatus(t *testing.T) {
	a := New(Config{})
	tests := map[string]providers.Status{
		"TS":       providers.StatusCompleted,
		"ts":       providers.StatusCompleted,
		"TF":       providers.StatusFailed,
		"TE":       providers.StatusFailed,
		"TIP":      providers.StatusPending,
		"TA":       providers.StatusPending,
		"WHATEVER": providers.StatusPending,
		"":         providers.StatusPending,
	}
	for code, want := range tests {
		if got := a.MapProviderStatus(code); got != want {
			t.Errorf("MapProviderStatus(%q) = %s, want %s", code, got, want)
		}
	}
}

func TestVerifyWebhookAuthenticity(t *testing.T) {
	a := New(Config{WebhookSecret: "s3cret"})
	body := []byte(`{"txId":"T1","status":"TS","reference":"ptx_1"}`)
	good := hex.EncodeToString(Sign(body, "s3cret"))

	if !a.VerifyWebhookAuthenticity(body, good) {
		t.Fatal("valid signature rejected")
	}
	if a.VerifyWebhookAuthenticity(append(body, ' '), good) {
		t.Fatal("tampered body accepted")
	}
	if a.VerifyWebhookAuthenticity(body, hex.EncodeToString(Sign(body, "other"))) {
		t.Fatal("wrong secret accepted")
	}
	if a.VerifyWebhookAuthenticity(body, "not-hex") {
		t.Fatal("malformed signature accepted")
	}
	if a.VerifyWebhookAuthenticity(body, "") {
		t.Fatal("empty signature accepted")
	}
}

func TestVerifyWebhookAuthenticity_FailsClosedWithoutSecret(t *testing.T) {
	a := New(Config{})
	body := []byte(`{}`)
	if a.VerifyWebhookAuthenticity(body, hex.EncodeToString(Sign(body, ""))) {
		t.Fatal("must reject when no secret is configured")
	}
}

func TestSignatureFrom(t *testing.T) {
	h := http.Header{}
	h.Set(SignatureHeader, "abc")
	if got := New(Config{}).SignatureFrom(h, nil); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestParseWebhook(t *testing.T) {
	a := New(Config{})
	n, err := a.ParseWebhook([]byte(`{"txId":"T1","status":"TS","reference":"ptx_1","message":"ok"}`))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if n.ProviderTxID != "T1" || n.Reference != "ptx_1" || n.Status != providers.StatusCompleted || n.RawStatus != "TS" {
		t.Fatalf("unexpected notification %+v", n)
	}

	if _, err := a.ParseWebhook([]byte(`{"status":"TS"}`)); err == nil {
		t.Fatal("expected error for missing txId")
	}
	if _, err := a.ParseWebhook([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestInitiate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/collections" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key-a" {
			t.Errorf("missing bearer token")
		}
		var req collectRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.MSISDN != "260971234567" || req.Amount != "5000" || req.Reference != "ptx_1" {
			t.Errorf("unexpected body %+v", req)
		}
		_ = json.NewEncoder(w).Encode(statusPayload{TxID: "T1", Status: "TIP", USSDPrompt: "Dial *115# to approve"})
	}))
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL + "/", APIKey: "key-a"})
	res, err := a.Initiate(context.Background(), providers.InitiateRequest{
		PayerPhone: "260971234567", Amount: 5000, Reference: "ptx_1",
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if !res.Success || res.TransactionID != "T1" || res.USSDPrompt == "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestInitiate_ImmediateFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(statusPayload{TxID: "T2", Status: "TF", Message: "insufficient funds"})
	}))
	defer srv.Close()

	res, err := New(Config{BaseURL: srv.URL}).Initiate(context.Background(), providers.InitiateRequest{Amount: 1, Reference: "ptx_2"})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if res.Success || res.Error != "insufficient funds" {
		t.Fatalf("expected unsuccessful result, got %+v", res)
	}
}

func TestInitiate_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
		}))

		_, err := New(Config{BaseURL: srv.URL}).Initiate(context.Background(), providers.InitiateRequest{Amount: 1, Reference: "r"})
		srv.Close()

		var httpErr *providers.HTTPError
		if !errors.As(err, &httpErr) || httpErr.StatusCode != tt.status {
			t.Errorf("status %d: expected *HTTPError, got %v", tt.status, err)
		}
		if retry.IsPermanent(err) != tt.permanent {
			t.Errorf("status %d: permanent = %v, want %v", tt.status, retry.IsPermanent(err), tt.permanent)
		}
	}
}

func TestInitiate_NotConfigured(t *testing.T) {
	_, err := New(Config{}).Initiate(context.Background(), providers.InitiateRequest{})
	if !errors.Is(err, providers.ErrNotConfigured) || !retry.IsPermanent(err) {
		t.Fatalf("expected permanent ErrNotConfigured, got %v", err)
	}
}

func TestQueryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/collections/T1" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(statusPayload{TxID: "T1", Status: "TS", Reference: "ptx_1"})
	}))
	defer srv.Close()

	n, err := New(Config{BaseURL: srv.URL}).QueryStatus(context.Background(), "T1", "ptx_1")
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if n.Status != providers.StatusCompleted || n.Reference != "ptx_1" {
		t.Fatalf("unexpected notification %+v", n)
	}
}
