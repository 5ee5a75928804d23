package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"dataq-logger/internal/config"
)

func TestNew_LevelFallback(t *testing.T) {
	log := New(config.LogConfig{Level: "chatty"})
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %v", log.GetLevel())
	}
	log = New(config.LogConfig{Level: "debug", Format: "json"})
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %v", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected JSON formatter, got %T", log.Formatter)
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataqlog.log")
	log := New(config.LogConfig{Level: "info", Output: "file", FilePath: path})
	log.WithField("device_id", 3).Info("session started")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "session started") || !strings.Contains(string(b), "device_id=3") {
		t.Fatalf("unexpected log content %q", b)
	}
}
