package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "debug", Writer: &buf, Session: "sess-1"})

	log.WithField("leg", "CE").Info("entered position")

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}

	if record["session"] != "sess-1" {
		t.Errorf("expected session field sess-1, got %v", record["session"])
	}
	if record["leg"] != "CE" {
		t.Errorf("expected leg field CE, got %v", record["leg"])
	}
	if record["message"] != "entered position" {
		t.Errorf("expected message, got %v", record["message"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "warn", Writer: &buf})

	log.Debug("hidden")
	log.Info("hidden too")
	log.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug/info should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn message missing: %s", out)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "info", Writer: &buf}).WithComponent("dispatcher")

	log.Info("started")

	if !strings.Contains(buf.String(), `"component":"dispatcher"`) {
		t.Errorf("component tag missing: %s", buf.String())
	}
}
