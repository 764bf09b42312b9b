package observability_test

import (
	"CohortLedger/internal/observability"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"info":  zerolog.InfoLevel,
		"":      zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"loud":  zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := observability.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): got %s, want %s", in, got, want)
		}
	}
}

func TestNewTestLogger_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewTestLogger(&buf, "sink")
	logger.Debug().Uint64("height", 7).Msg("flushed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["component"] != "sink" || line["message"] != "flushed" || line["height"] != float64(7) {
		t.Errorf("unexpected fields: %v", line)
	}
	if _, ok := line["time"]; !ok {
		t.Error("log line has no timestamp")
	}
}
