// Package providera adapts Provider A, a mobile-money collection API that
// signs webhooks with an HMAC-SHA256 of the raw body in the X-Signature
// header.
package providera

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
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

// SignatureHeader carries the webhook HMAC.
const SignatureHeader = "X-Signature"

// Config configures the adapter.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	CallbackURL   string
	HTTPClient    *http.Client
}

// Adapter implements providers.Adapter for Provider A.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// New creates a Provider A adapter.
func New(cfg Config) *Adapter {
	client := cfg.HTTPClient
	if client == nil {
		client = providers.NewHTTPClient()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Adapter{cfg: cfg, client: client}
}

func (a *Adapter) ID() providers.ID { return providers.ProviderA }

type collectRequest struct {
	MSISDN      string `json:"msisdn"`
	Amount      string `json:"amount"`
	Reference   string `json:"reference"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// statusPayload is both the collection response and the webhook body.
type statusPayload struct {
	TxID       string `json:"txId"`
	Status     string `json:"status"`
	Reference  string `json:"reference"`
	Amount     string `json:"amount,omitempty"`
	MSISDN     string `json:"msisdn,omitempty"`
	Message    string `json:"message"`
	USSDPrompt string `json:"ussdPrompt,omitempty"`
}

func (a *Adapter) Initiate(ctx context.Context, req providers.InitiateRequest) (providers.Result, error) {
	if a.cfg.BaseURL == "" {
		return providers.Result{}, retry.Permanent(providers.ErrNotConfigured)
	}

	var resp statusPayload
	err := providers.DoJSON(ctx, a.client, http.MethodPost, a.cfg.BaseURL+"/v1/collections",
		a.headers(),
		collectRequest{
			MSISDN:      req.PayerPhone,
			Amount:      strconv.FormatInt(req.Amount, 10),
			Reference:   req.Reference,
			CallbackURL: a.cfg.CallbackURL,
		}, &resp)
	if err != nil {
		return providers.Result{}, err
	}

	if a.MapProviderStatus(resp.Status) == providers.StatusFailed {
		return providers.Result{
			Success:       false,
			TransactionID: resp.TxID,
			Error:         resp.Message,
		}, nil
	}
	return providers.Result{
		Success:       true,
		TransactionID: resp.TxID,
		USSDPrompt:    resp.USSDPrompt,
	}, nil
}

func (a *Adapter) QueryStatus(ctx context.Context, providerTxID, _ string) (providers.Notification, error) {
	if a.cfg.BaseURL == "" {
		return providers.Notification{}, retry.Permanent(providers.ErrNotConfigured)
	}
	if providerTxID == "" {
		return providers.Notification{}, retry.Permanent(fmt.Errorf("provider_a: status query needs a transaction id"))
	}

	var resp statusPayload
	err := providers.DoJSON(ctx, a.client, http.MethodGet,
		a.cfg.BaseURL+"/v1/collections/"+url.PathEscape(providerTxID), a.headers(), nil, &resp)
	if err != nil {
		return providers.Notification{}, err
	}
	return a.notification(resp), nil
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.cfg.APIKey}
}

func (a *Adapter) SignatureFrom(header http.Header, _ []byte) string {
	return header.Get(SignatureHeader)
}

// VerifyWebhookAuthenticity checks the hex HMAC-SHA256 of raw.
func (a *Adapter) VerifyWebhookAuthenticity(raw []byte, signature string) bool {
	if a.cfg.WebhookSecret == "" || signature == "" {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(provided, Sign(raw, a.cfg.WebhookSecret))
}

// Sign returns the raw HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

func (a *Adapter) ParseWebhook(raw []byte) (providers.Notification, error) {
	var p statusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return providers.Notification{}, fmt.Errorf("provider_a: decode webhook: %w", err)
	}
	if p.TxID == "" || p.Status == "" {
		return providers.Notification{}, fmt.Errorf("provider_a: webhook missing txId or status")
	}
	return a.notification(p), nil
}

func (a *Adapter) notification(p statusPayload) providers.Notification {
	return providers.Notification{
		ProviderTxID: p.TxID,
		Reference:    p.Reference,
		RawStatus:    p.Status,
		Status:       a.MapProviderStatus(p.Status),
		Amount:       p.Amount,
		PayerPhone:   p.MSISDN,
		Message:      p.Message,
	}
}

// MapProviderStatus maps Provider A codes: TS succeeded; TF failed; TE
// expired; TIP in progress; TA accepted.
func (a *Adapter) MapProviderStatus(code string) providers.Status {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "TS":
		return providers.StatusCompleted
	case "TF", "TE":
		return providers.StatusFailed
	case "TIP", "TA":
		return providers.StatusPending
	default:
		return providers.StatusPending
	}
}

var _ providers.Adapter = (*Adapter)(nil)
