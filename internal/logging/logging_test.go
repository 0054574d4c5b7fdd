package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNew_DefaultLevel(t *testing.T) {
	logger := New("", "text")
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug to be disabled at default level")
	}
	if !logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info to be enabled at default level")
	}
}

func TestNew_DebugLevel(t *testing.T) {
	logger := New("DEBUG", "text")
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug level to be enabled")
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("Expected warn level to be disabled at error level")
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("escrow funded", "escrowId", "esc_1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if line["escrowId"] != "esc_1" {
		t.Errorf("expected escrowId attribute, got %v", line["escrowId"])
	}
}

func TestL_AddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&buf, "info", "json")

	ctx := WithLogger(context.Background(), base)
	ctx = WithRequestID(ctx, "req-123")
	L(ctx).Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if line["request_id"] != "req-123" {
		t.Errorf("expected request_id req-123, got %v", line["request_id"])
	}
}

func TestFromContext_Default(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("expected slog.Default when no logger in context")
	}
	if RequestID(context.Background()) != "" {
		t.Error("expected empty request id")
	}
}

func TestMaskPhone(t *testing.T) {
	tests := map[string]string{
		"260971234567": "*********567",
		"123":          "***",
		"":             "",
		" 0977000111 ": "*******111",
	}
	for in, want := range tests {
		if got := MaskPhone(in); got != want {
			t.Errorf("MaskPhone(%q) = %q, want %q", in, got, want)
		}
	}
}
