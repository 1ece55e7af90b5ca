package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Development: true})
	if err != nil {
		t.Fatalf("New(dev) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected development logger to enable debug")
	}
}

func TestNewProductionLoggerLevel(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Level: "WARN"})
	if err != nil {
		t.Fatalf("New(prod) error = %v", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info to be filtered at warn level")
	}

	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}

func TestMaskAndTokenField(t *testing.T) {
	t.Parallel()

	if got := Mask("tok-abcdef123456"); got != "tok-abcd..." {
		t.Fatalf("Mask() = %q", got)
	}
	if got := Mask("short"); got != "***" {
		t.Fatalf("Mask(short) = %q", got)
	}

	core, logs := observer.New(zap.InfoLevel)
	zap.New(core).Info("webhook rejected", Token("tok-abcdef123456"))
	entry := logs.All()[0]
	if got := entry.ContextMap()["token"]; got != "tok-abcd..." {
		t.Fatalf("token field = %v", got)
	}
}
