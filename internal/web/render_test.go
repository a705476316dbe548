package web

import (
	"bytes"
	"strings"
	"testing"
)

func dashboardData() map[string]any {
	return map[string]any{
		"Upstream":   "streaming",
		"Clients":    2,
		"Frames":     int64(120),
		"Bytes":      int64(900000),
		"Dropped":    uint64(3),
		"Reconnects": int64(1),
		"LastFrame":  "2026-08-28T10:00:00Z",
	}
}

func TestRenderDashboard(t *testing.T) {
	var buf bytes.Buffer
	data := dashboardData()
	if err := Render(&buf, "dashboard", data); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"streaming", "snapshot.jpg", "</html>"} {
		if !strings.Contains(out, want) {
			t.Errorf("dashboard output missing %q", want)
		}
	}
	if data["Now"] == nil {
		t.Error("Render did not stamp the render time")
	}
}

func TestRenderUnknownNameFallsBack(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, "no-such-template", nil); err != nil {
		t.Fatalf("fallback Render: %v", err)
	}
	if !strings.Contains(buf.String(), "</html>") {
		t.Error("fallback output is not a complete page")
	}
}
