package observability

import "testing"

func TestPayloadPreviewDisabledByDefault(t *testing.T) {
	cfg := WireTraceConfig{PayloadsEnabled: false}
	if _, ok := cfg.PayloadPreview("hello"); ok {
		t.Fatalf("expected no preview when payload tracing is disabled")
	}
}

func TestPayloadPreviewTruncatesOverMax(t *testing.T) {
	cfg := WireTraceConfig{PayloadsEnabled: true, PayloadMaxBytes: 5}
	preview, ok := cfg.PayloadPreview("hello world")
	if !ok {
		t.Fatalf("expected a preview when payload tracing is enabled")
	}
	if preview != "hello..." {
		t.Fatalf("expected truncated preview with ellipsis, got %q", preview)
	}
}

func TestPayloadPreviewUnderMaxIsUntruncated(t *testing.T) {
	cfg := WireTraceConfig{PayloadsEnabled: true, PayloadMaxBytes: 1024}
	preview, ok := cfg.PayloadPreview("short")
	if !ok {
		t.Fatalf("expected a preview")
	}
	if preview != "short" {
		t.Fatalf("expected untruncated preview, got %q", preview)
	}
}

func TestEnvBoolParsesCommonTruthyFalsyForms(t *testing.T) {
	t.Setenv("PARACORD_TEST_BOOL", "yes")
	if !envBool("PARACORD_TEST_BOOL", false) {
		t.Fatalf("expected \"yes\" to parse as true")
	}
	t.Setenv("PARACORD_TEST_BOOL", "off")
	if envBool("PARACORD_TEST_BOOL", true) {
		t.Fatalf("expected \"off\" to parse as false")
	}
}

func TestEnvIntRejectsNonPositiveAndInvalid(t *testing.T) {
	t.Setenv("PARACORD_TEST_INT", "-5")
	if got := envInt("PARACORD_TEST_INT", 42); got != 42 {
		t.Fatalf("expected negative value to fall back to default, got %d", got)
	}
	t.Setenv("PARACORD_TEST_INT", "not-a-number")
	if got := envInt("PARACORD_TEST_INT", 42); got != 42 {
		t.Fatalf("expected invalid value to fall back to default, got %d", got)
	}
	t.Setenv("PARACORD_TEST_INT", "7")
	if got := envInt("PARACORD_TEST_INT", 42); got != 7 {
		t.Fatalf("expected valid value to be parsed, got %d", got)
	}
}

func TestLoadWireTraceConfigClampsMaxBytes(t *testing.T) {
	t.Setenv("PARACORD_WIRE_TRACE", "true")
	t.Setenv("PARACORD_WIRE_TRACE_PAYLOADS", "true")
	t.Setenv("PARACORD_WIRE_TRACE_PAYLOAD_MAX_BYTES", "999999")

	cfg := LoadWireTraceConfig()
	if !cfg.Enabled || !cfg.PayloadsEnabled {
		t.Fatalf("expected both toggles enabled, got %+v", cfg)
	}
	if cfg.PayloadMaxBytes != maxWireTracePayloadMaxBytes {
		t.Fatalf("expected max bytes clamped to %d, got %d", maxWireTracePayloadMaxBytes, cfg.PayloadMaxBytes)
	}
}
