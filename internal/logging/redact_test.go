package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
)

func TestIsSecretKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"payload", true},
		{"Payload", true},
		{"DSN", true},
		{"redis_url", true},
		{"stderr", true},
		{"dashboard_token", true},
		{"client_secret", true},
		{"db_password", true},
		{"error", false},
		{"reason", false},
		{"job_id", false},
		{"entry_point", false},
	}
	for _, tt := range tests {
		if got := isSecretKey(tt.key); got != tt.want {
			t.Fatalf("expected isSecretKey(%q)=%v, got %v", tt.key, tt.want, got)
		}
	}
}

func TestMaskURLCredentials(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://jobs:hunter2@db:5432/jobs", "postgres://jobs:" + masked + "@db:5432/jobs"},
		{"dial redis://default:pw@cache:6379/0: refused", "dial redis://default:" + masked + "@cache:6379/0: refused"},
		{"postgres://db/jobs", "postgres://db/jobs"},
		{"Job timed out after 5s", "Job timed out after 5s"},
	}
	for _, tt := range tests {
		if got := maskURLCredentials(tt.in); got != tt.want {
			t.Fatalf("expected %q, got %q", tt.want, got)
		}
	}
}

func TestScrubGroups(t *testing.T) {
	attr := slog.Group("job", slog.String("payload", `{"card":"4111"}`), slog.String("job_type", "Mail"))
	group := scrub(attr).Value.Group()
	if len(group) != 2 {
		t.Fatalf("expected 2 group attrs, got %d", len(group))
	}
	if group[0].Value.String() != masked {
		t.Fatalf("expected payload masked, got %q", group[0].Value.String())
	}
	if group[1].Value.String() != "Mail" {
		t.Fatalf("expected job_type kept, got %q", group[1].Value.String())
	}
}

func TestLoggerRedactsRecordsAndWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "debug").With("dsn", "postgres://u:p@db/jobs")
	err := fmt.Errorf("open store: %w", errors.New("connect postgres://u:secretpw@db/jobs: refused"))
	logger.Error("Failed to open store", "job_id", "abc", "stdout", "hello", "error", err)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record["dsn"] != masked || record["stdout"] != masked {
		t.Fatalf("expected dsn and stdout masked, got %v", record)
	}
	want := "open store: connect postgres://u:" + masked + "@db/jobs: refused"
	if record["error"] != want {
		t.Fatalf("expected %q, got %v", want, record["error"])
	}
	if record["job_id"] != "abc" {
		t.Fatalf("expected job_id kept, got %v", record["job_id"])
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("WARN") != slog.LevelWarn || ParseLevel("") != slog.LevelInfo || ParseLevel("debug") != slog.LevelDebug {
		t.Fatal("unexpected level mapping")
	}
	var buf bytes.Buffer
	New(&buf, "error").Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info suppressed at error level, got %s", buf.String())
	}
}
