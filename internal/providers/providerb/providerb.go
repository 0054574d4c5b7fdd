// Package providerb adapts Provider B, a request-to-pay API whose webhooks
// carry their own checksum: hex SHA-256 over
// transactionId|amount|payerPhone|reference|sharedSecret.
package providerb

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mbd888/freightpay/internal/providers"
	"github.com/mbd888/freightpay/internal/retry"
)

// Config configures the adapter.
type Config struct {
	BaseURL      string
	APIKey       string
	SharedSecret string
	CallbackURL  string
	HTTPClient   *http.Client
}

// Adapter implements providers.Adapter for Provider B.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// New creates a Provider B adapter.
func New(cfg Config) *Adapter {
	client := cfg.HTTPClient
	if client == nil {
		client = providers.NewHTTPClient()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Adapter{cfg: cfg, client: client}
}

func (a *Adapter) ID() providers.ID { return providers.ProviderB }

type requestToPay struct {
	Amount      string `json:"amount"`
	PayerPhone  string `json:"payerPhone"`
	Reference   string `json:"reference"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

type requestToPayResponse struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	Prompt        string `json:"prompt,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// payload is the webhook body and the collection status response. Amount
// stays textual so the checksum is computed over exactly what was sent.
type payload struct {
	TransactionID string      `json:"transactionId"`
	Amount        json.Number `json:"amount"`
	PayerPhone    string      `json:"payerPhone"`
	Reference     string      `json:"reference"`
	Status        string      `json:"status"`
	Reason        string      `json:"reason,omitempty"`
	Checksum      string      `json:"checksum"`
}

func (a *Adapter) Initiate(ctx context.Context, req providers.InitiateRequest) (providers.Result, error) {
	if a.cfg.BaseURL == "" {
		return providers.Result{}, retry.Permanent(providers.ErrNotConfigured)
	}

	var resp requestToPayResponse
	err := providers.DoJSON(ctx, a.client, http.MethodPost, a.cfg.BaseURL+"/collections/request-to-pay",
		a.headers(req.Reference),
		requestToPay{
			Amount:      strconv.FormatInt(req.Amount, 10),
			PayerPhone:  req.PayerPhone,
			Reference:   req.Reference,
			CallbackURL: a.cfg.CallbackURL,
		}, &resp)
	if err != nil {
		return providers.Result{}, err
	}

	if a.MapProviderStatus(resp.Status) == providers.StatusFailed {
		return providers.Result{Success: false, TransactionID: resp.TransactionID, Error: resp.Reason}, nil
	}
	return providers.Result{
		Success:       true,
		TransactionID: resp.TransactionID,
		USSDPrompt:    resp.Prompt,
	}, nil
}

// QueryStatus reads the collection by our reference, which Provider B
// indexes requests by.
func (a *Adapter) QueryStatus(ctx context.Context, _ string, reference string) (providers.Notification, error) {
	if a.cfg.BaseURL == "" {
		return providers.Notification{}, retry.Permanent(providers.ErrNotConfigured)
	}

	var p payload
	err := providers.DoJSON(ctx, a.client, http.MethodGet,
		a.cfg.BaseURL+"/collections/"+url.PathEscape(reference), a.headers(reference), nil, &p)
	if err != nil {
		return providers.Notification{}, err
	}
	return a.notification(p), nil
}

func (a *Adapter) headers(reference string) map[string]string {
	return map[string]string{
		"X-Api-Key":      a.cfg.APIKey,
		"X-Reference-Id": reference,
	}
}

// SignatureFrom returns the checksum embedded in the body.
func (a *Adapter) SignatureFrom(_ http.Header, raw []byte) string {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	return p.Checksum
}

// VerifyWebhookAuthenticity recomputes the body checksum and compares it
// with signature.
func (a *Adapter) VerifyWebhookAuthenticity(raw []byte, signature string) bool {
	if a.cfg.SharedSecret == "" || signature == "" {
		return false
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	expected := Checksum(p.TransactionID, p.Amount.String(), p.PayerPhone, p.Reference, a.cfg.SharedSecret)
	provided := strings.ToLower(strings.TrimSpace(signature))
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// Checksum returns the hex SHA-256 Provider B puts in webhook bodies.
func Checksum(transactionID, amount, payerPhone, reference, secret string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{transactionID, amount, payerPhone, reference, secret}, "|")))
	return hex.EncodeToString(sum[:])
}

func (a *Adapter) ParseWebhook(raw []byte) (providers.Notification, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return providers.Notification{}, fmt.Errorf("provider_b: decode webhook: %w", err)
	}
	if p.TransactionID == "" || p.Status == "" {
		return providers.Notification{}, fmt.Errorf("provider_b: webhook missing transactionId or status")
	}
	return a.notification(p), nil
}

func (a *Adapter) notification(p payload) providers.Notification {
	return providers.Notification{
		ProviderTxID: p.TransactionID,
		Reference:    p.Reference,
		RawStatus:    p.Status,
		Status:       a.MapProviderStatus(p.Status),
		Amount:       p.Amount.String(),
		PayerPhone:   p.PayerPhone,
		Message:      p.Reason,
	}
}

// MapProviderStatus maps Provider B status words.
func (a *Adapter) MapProviderStatus(code string) providers.Status {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "SUCCESSFUL":
		return providers.StatusCompleted
	case "FAILED", "REJECTED", "TIMEOUT", "CANCELLED":
		return providers.StatusFailed
	case "PENDING":
		return providers.StatusPending
	default:
		return providers.StatusPending
	}
}

var _ providers.Adapter = (*Adapter)(nil)
