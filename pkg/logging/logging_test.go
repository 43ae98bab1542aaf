package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/denwilliams/go-stomp-console/pkg/config"
)

func TestApplyLevelAndFormat(t *testing.T) {
	logger := logrus.New()
	var out bytes.Buffer

	closer, err := apply(logger, config.LoggingConfig{Level: "warn", Format: "json"}, &out)
	if err != nil {
		t.Fatalf("apply() error = %v", err)
	}
	defer closer.Close()

	logger.Info("hidden")
	logger.WithField("pkg", "test").Warn("shown")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 log line, got %d: %q", len(lines), out.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Expected JSON log line: %v", err)
	}
	if entry["msg"] != "shown" || entry["pkg"] != "test" {
		t.Errorf("Unexpected entry: %v", entry)
	}
}

func TestApplyFile(t *testing.T) {
	logger := logrus.New()
	var out bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "console.log")

	closer, err := apply(logger, config.LoggingConfig{Level: "info", Format: "text", File: path}, &out)
	if err != nil {
		t.Fatalf("apply() error = %v", err)
	}
	logger.Info("to both")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "to both") || !strings.Contains(out.String(), "to both") {
		t.Errorf("Expected line in file and stdout, file=%q stdout=%q", data, out.String())
	}
}

func TestApplyErrors(t *testing.T) {
	tests := []config.LoggingConfig{
		{Level: "loud"},
		{Level: "info", Format: "xml"},
	}
	for _, cfg := range tests {
		if _, err := apply(logrus.New(), cfg, &bytes.Buffer{}); err == nil {
			t.Errorf("apply(%+v) expected error", cfg)
		}
	}
}
