package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
)

func newBufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{ReplaceAttr: sanitizeAttributes}))
}

func TestSanitizeAttributes_RedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	log := newBufferLogger(&buf)

	log.Info("login attempt",
		slog.String("password", "Secret123!"),
		slog.String("refresh_token", "abc"),
		slog.String("national_id", "12345678901"),
		slog.String("user_password_hash", "$2a$12$x"),
		slog.String("username", "ayse"),
	)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("failed to decode log record: %v", err)
	}

	for _, key := range []string{"password", "refresh_token", "national_id", "user_password_hash"} {
		if record[key] != "[REDACTED]" {
			t.Errorf("expected %s to be redacted, got %v", key, record[key])
		}
	}
	if record["username"] != "ayse" {
		t.Errorf("expected username to be kept, got %v", record["username"])
	}
}

func TestCorrelationID(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelationID(ctx); got != "" {
		t.Fatalf("expected empty correlation id, got %q", got)
	}

	ctx = context.WithValue(ctx, RequestIDKey, "req-1")
	if got := GetCorrelationID(ctx); got != "req-1" {
		t.Fatalf("expected request id fallback, got %q", got)
	}

	ctx = SetCorrelationID(ctx, "corr-1")
	if got := GetCorrelationID(ctx); got != "corr-1" {
		t.Fatalf("expected correlation id to win, got %q", got)
	}
}

func TestWithCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	log := WithCorrelationID(SetCorrelationID(context.Background(), "corr-42"), newBufferLogger(&buf))
	log.Info("hello")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("failed to decode log record: %v", err)
	}
	if record["correlation_id"] != "corr-42" {
		t.Errorf("expected correlation_id attribute, got %v", record["correlation_id"])
	}
}

func TestErr(t *testing.T) {
	attr := Err(errors.New("boom"))
	if attr.Key != "error" || attr.Value.String() != "boom" {
		t.Errorf("unexpected attr %v", attr)
	}
	if Err(nil).Value.String() != "" {
		t.Error("expected empty value for nil error")
	}
}

func TestNew_LevelParsing(t *testing.T) {
	log := New(Config{Level: "warn", Format: "text", Output: "stderr"})
	if log.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should be disabled at warn level")
	}
	if !log.Enabled(context.Background(), slog.LevelError) {
		t.Error("error should be enabled at warn level")
	}
}
