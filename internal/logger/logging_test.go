package logger

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func fixedTime() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

func decodeLines(t *testing.T, out string) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		lines = append(lines, m)
	}
	return lines
}

func TestSetupWritesComponent(t *testing.T) {
	buf := NewBuffer()
	l := Setup(Config{Level: "info", Component: "fanout", Out: buf, TimeFunc: fixedTime})

	l.Info().Str("subscription", "billing").Msg("subscription maintained")

	lines := decodeLines(t, buf.String())
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0]["component"] != "fanout" {
		t.Errorf("component = %v", lines[0]["component"])
	}
	if lines[0]["subscription"] != "billing" {
		t.Errorf("subscription = %v", lines[0]["subscription"])
	}
	if lines[0]["time"] != "2024-05-01T12:00:00Z" {
		t.Errorf("time = %v", lines[0]["time"])
	}
}

func TestSetupLevelFilters(t *testing.T) {
	buf := NewBuffer()
	l := Setup(Config{Level: "warn", Component: "fanout", Out: buf, TimeFunc: fixedTime})

	l.Info().Msg("hidden")
	l.Warn().Msg("shown")

	lines := decodeLines(t, buf.String())
	if len(lines) != 1 || lines[0]["message"] != "shown" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestComponentSharesOutput(t *testing.T) {
	buf := NewBuffer()
	Setup(Config{Level: "debug", Component: "fanout", Out: buf, TimeFunc: fixedTime})

	cl := Component("reconciler")
	cl.Debug().Msg("pass")

	out := buf.String()
	if strings.Count(out, `"component"`) != 1 {
		t.Fatalf("expected a single component key: %s", out)
	}
	lines := decodeLines(t, out)
	if lines[0]["component"] != "reconciler" {
		t.Errorf("component = %v", lines[0]["component"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"":        zerolog.InfoLevel,
		" INFO ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"chatty":  zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
