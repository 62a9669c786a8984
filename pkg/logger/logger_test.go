package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAuditJournalWritesJSON(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "tx.log")
	logPath := filepath.Join(dir, "opagent.log")

	if err := Init(Config{
		Level:       "debug",
		OutputPaths: []string{logPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(func() { _ = Init(Config{}) })

	Named("provision").Debug("部署开始")
	Audit().Info("交易已确认", "tx_hash", "0xabc")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	raw, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry); err != nil {
		t.Fatalf("audit entry is not json: %v", err)
	}
	if entry["tx_hash"] != "0xabc" {
		t.Fatalf("unexpected audit entry: %v", entry)
	}

	text, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(text), "component=provision") {
		t.Fatalf("expected component attribute in %q", text)
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error when audit path is empty")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "DEBUG", "WARNING": "WARN", "error": "ERROR", "": "INFO"}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
