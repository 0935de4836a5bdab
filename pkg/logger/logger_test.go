package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestRedactsKeyMaterial(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := Setup(&buf, true, true)
	log.With("private_key", "c2VjcmV0").Info("loaded identity",
		"session_key", []byte{1, 2, 3},
		"fingerprint", "0011223344556677",
	)
	log.WithGroup("circuit").Debug("built", "Seed", "abc", "path", "10.0.0.1:9001")

	out := buf.String()
	for _, leak := range []string{"c2VjcmV0", "abc\""} {
		if strings.Contains(out, leak) {
			t.Fatalf("log leaked %q:\n%s", leak, out)
		}
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two records, got %d:\n%s", len(lines), out)
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first["private_key"] != MaskValue || first["session_key"] != MaskValue {
		t.Fatalf("key material not masked: %v", first)
	}
	if first["fingerprint"] != "0011223344556677" {
		t.Fatalf("fingerprint should pass through: %v", first)
	}
}

func TestRedactsInsideGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	Setup(&buf, false, false).Info("node",
		slog.Group("keys", slog.String("secret", "topsecret"), slog.String("public", "visible")))

	out := buf.String()
	if strings.Contains(out, "topsecret") {
		t.Fatalf("grouped secret leaked:\n%s", out)
	}
	if !strings.Contains(out, "keys.secret="+MaskValue) || !strings.Contains(out, "keys.public=visible") {
		t.Fatalf("unexpected grouped output:\n%s", out)
	}
}

func TestVerbosity(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	Setup(&buf, false, false).Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be off without verbose: %s", buf.String())
	}
	Setup(&buf, true, false).Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatal("debug should be on with verbose")
	}
}
