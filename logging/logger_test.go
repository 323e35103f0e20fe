package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Warn, Text, &buf)

	log.Debug("too quiet")
	log.Info("still too quiet")
	log.Warn("audible")
	log.Error("loud")

	out := buf.String()
	if strings.Contains(out, "too quiet") {
		t.Errorf("suppressed levels leaked: %q", out)
	}
	if !strings.Contains(out, "audible") || !strings.Contains(out, "loud") {
		t.Errorf("expected entries missing: %q", out)
	}
}

func TestTextFormatFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Debug, Text, &buf)

	log.Info("device opened", F("serial", "abc123"), F("attempt", 2))

	out := buf.String()
	for _, want := range []string{"[INFO]", "device opened", "serial=abc123", "attempt=2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Debug, JSON, &buf)

	log.Error("sync failed", F("code", -6))

	line := strings.TrimSpace(buf.String())
	// Strip the stdlib logger's date prefix; the payload starts at '{'.
	idx := strings.IndexByte(line, '{')
	if idx < 0 {
		t.Fatalf("no JSON payload in %q", line)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(line[idx:]), &payload); err != nil {
		t.Fatalf("invalid JSON %q: %v", line[idx:], err)
	}
	if payload["level"] != "ERROR" || payload["msg"] != "sync failed" {
		t.Errorf("payload %v", payload)
	}
	if payload["code"] != float64(-6) {
		t.Errorf("code field %v", payload["code"])
	}
	if _, ok := payload["time"]; !ok {
		t.Error("payload missing time")
	}
}

func TestWithAccumulatesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Debug, Text, &buf).With(F("serial", "abc123"))

	log.Info("stream started", F("direction", "rx"))

	out := buf.String()
	if !strings.Contains(out, "serial=abc123") || !strings.Contains(out, "direction=rx") {
		t.Errorf("output %q missing inherited or call fields", out)
	}

	// The derived logger must not mutate its parent.
	buf.Reset()
	child := log.With(F("channel", 1))
	log.Info("parent entry")
	if strings.Contains(buf.String(), "channel=1") {
		t.Errorf("parent logger picked up child fields: %q", buf.String())
	}
	buf.Reset()
	child.Info("child entry")
	if !strings.Contains(buf.String(), "channel=1") {
		t.Errorf("child logger dropped its field: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   Debug,
		"INFO":    Info,
		"warning": Warn,
		"error":   Error,
		"":        Info,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("ParseLevel accepted an unknown level")
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != JSON {
		t.Errorf("ParseFormat(json) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != Text {
		t.Errorf("ParseFormat(empty) = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat accepted an unknown format")
	}
}

func TestDiscard(t *testing.T) {
	// Must not panic and must accept every level.
	log := Discard()
	log.Debug("nope")
	log.Error("also nope", F("key", "value"))
}
