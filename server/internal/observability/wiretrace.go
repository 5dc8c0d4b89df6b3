package observability

import (
	"os"
	"strconv"
	"strings"
)

const defaultWireTracePayloadMaxBytes = 1024
const maxWireTracePayloadMaxBytes = 16 * 1024

// WireTraceConfig holds the env-toggled wire-trace settings, read once at
// startup and threaded through rather than consulted via package globals.
type WireTraceConfig struct {
	Enabled         bool
	PayloadsEnabled bool
	PayloadMaxBytes int
}

// LoadWireTraceConfig reads PARACORD_WIRE_TRACE, PARACORD_WIRE_TRACE_PAYLOADS,
// and PARACORD_WIRE_TRACE_PAYLOAD_MAX_BYTES from the environment.
func LoadWireTraceConfig() WireTraceConfig {
	return WireTraceConfig{
		Enabled:         envBool("PARACORD_WIRE_TRACE", false),
		PayloadsEnabled: envBool("PARACORD_WIRE_TRACE_PAYLOADS", false),
		PayloadMaxBytes: min(envInt("PARACORD_WIRE_TRACE_PAYLOAD_MAX_BYTES", defaultWireTracePayloadMaxBytes), maxWireTracePayloadMaxBytes),
	}
}

func envBool(name string, def bool) bool {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func envInt(name string, def int) int {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// PayloadPreview returns a truncated, escape-safe preview of raw for
// wire-trace logging, or ("", false) when payload tracing is disabled.
func (cfg WireTraceConfig) PayloadPreview(raw string) (string, bool) {
	if !cfg.PayloadsEnabled {
		return "", false
	}
	max := cfg.PayloadMaxBytes
	b := []byte(raw)
	truncated := false
	if len(b) > max {
		b = b[:max]
		truncated = true
	}
	preview := strings.ToValidUTF8(string(b), "�")
	preview = strconv.Quote(preview)
	preview = preview[1 : len(preview)-1] // escape like the raw control-char escaping the original does, without the surrounding quotes
	if truncated {
		preview += "..."
	}
	return preview, true
}
