package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/freightpay/internal/retry"
)

// Headers set on HTTP deliveries.
const (
	HeaderEvent     = "X-Freightpay-Event"
	HeaderTimestamp = "X-Freightpay-Timestamp"
	HeaderSignature = "X-Freightpay-Signature"
)

// HTTPSink POSTs events as JSON, signed with HMAC-SHA256 when a secret is set.
type HTTPSink struct {
	url    string
	secret string
	client *http.Client
}

// NewHTTPSink creates a sink posting to url.
func NewHTTPSink(url, secret string) *HTTPSink {
	return &HTTPSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSink) Name() string { return "http:" + s.url }

func (s *HTTPSink) Send(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if s.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("sink rejected event: status %d", resp.StatusCode))
	default:
		return fmt.Errorf("sink returned status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// DefaultRedisChannel is where RedisSink publishes.
const DefaultRedisChannel = "freightpay:events"

// RedisSink publishes events as JSON on a Redis channel.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisSink creates a sink publishing on channel.
func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Name() string { return "redis:" + s.channel }

func (s *RedisSink) Send(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal event: %w", err))
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}

// LogSink writes each event to the audit log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink logging through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, event *Event) error {
	attrs := make([]any, 0, 2*len(event.Data)+6)
	attrs = append(attrs, "eventId", event.ID, "type", event.Type, "at", event.Timestamp)
	for k, v := range event.Data {
		attrs = append(attrs, k, v)
	}
	s.logger.Info("audit event", attrs...)
	return nil
}
