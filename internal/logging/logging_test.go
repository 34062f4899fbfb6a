package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q): expected %s, got %s", raw, want, got)
		}
	}
}

func TestNewWritesJSONWithServiceField(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", "json", &buf)
	logger.Debug().Msg("hidden")
	logger.Info().Str("document_id", "doc_1").Msg("visible")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected a single json line, got %q: %v", buf.String(), err)
	}
	if line["service"] != "relaylive" {
		t.Fatalf("expected service field, got %v", line["service"])
	}
	if line["document_id"] != "doc_1" {
		t.Fatalf("expected document_id field, got %v", line["document_id"])
	}
}
