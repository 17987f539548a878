package utils

import (
	"strings"
	"testing"
)

func TestSanitizeLogLineMasksSecrets(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		leak string
	}{
		{"bearer header", `Authorization: Bearer abc123def456`, "abc123def456"},
		{"api key field", `api_key=sk-proj-aaaaaaaaaaaaaaaaaaaa requested`, "sk-proj"},
		{"github token", `pushing with ghp_0123456789abcdef0123`, "ghp_"},
		{"password kv", `password: hunter2, retrying`, "hunter2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := SanitizeLogLine(tc.in)
			if strings.Contains(out, tc.leak) {
				t.Fatalf("secret leaked through sanitizer: %q", out)
			}
			if !strings.Contains(out, redactedPlaceholder) {
				t.Fatalf("expected a redaction marker, got %q", out)
			}
		})
	}
}

func TestSanitizeLogLineLeavesPlainTextAlone(t *testing.T) {
	t.Parallel()

	in := "planned 3 entries for session s_01 in 12ms"
	if out := SanitizeLogLine(in); out != in {
		t.Fatalf("plain line must pass through unchanged, got %q", out)
	}
}

func TestComponentLoggerSharesSinkAndLevel(t *testing.T) {
	t.Parallel()

	l := NewComponentLogger("Ledger")
	if l.component != "Ledger" {
		t.Fatalf("component tag not applied: %q", l.component)
	}
	if l.level != GetLogger().level {
		t.Fatalf("component logger must inherit the shared level")
	}
}
