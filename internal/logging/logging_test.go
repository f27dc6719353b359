package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestConfigureDefaultsToInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Output: &buf})
	Base().Debug().Msg("should be filtered")
	Base().Info().Msg("should appear")

	out := buf.String()
	if strings.Contains(out, "should be filtered") {
		t.Error("debug line appeared at the default info level")
	}
	if !strings.Contains(out, "should appear") {
		t.Error("info line missing from output")
	}
}

func TestConfigureHonorsExplicitLevel(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Output: &buf, Level: "debug"})
	Base().Debug().Msg("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Error("debug line missing after Configure(Level: debug)")
	}
}

func TestConfigureTagsServiceField(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Output: &buf})
	Base().Info().Msg("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Unmarshal log line: %v", err)
	}
	if line["service"] != "dssd" {
		t.Errorf("service = %v, want dssd", line["service"])
	}
}

func TestComponentAddsComponentField(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Output: &buf})
	Component("scheduler").Info().Msg("tick")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Unmarshal log line: %v", err)
	}
	if line["component"] != "scheduler" {
		t.Errorf("component = %v, want scheduler", line["component"])
	}
}

func TestStreamAddsStreamIDField(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Output: &buf})
	Stream("cam0").Warn().Msg("crashed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Unmarshal log line: %v", err)
	}
	if line["stream_id"] != "cam0" {
		t.Errorf("stream_id = %v, want cam0", line["stream_id"])
	}
	if line["component"] != "stream" {
		t.Errorf("component = %v, want stream", line["component"])
	}
}
