package cmd

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunReplay(t *testing.T) {
	cfg := writeFile(t, "cfg.hcl", lanConfig)
	frame := dnsFrame(t)
	trace := writeFile(t, "trace.txt", strings.Join([]string{
		"# dns twice, the second one hits the cache",
		"v4/lan " + frame,
		"v4/lan " + frame,
		"",
		"v4/wan " + frame,
	}, "\n"))

	var out bytes.Buffer
	if err := RunReplay(&out, cfg, trace, false); err != nil {
		t.Fatalf("RunReplay() error = %v\n%s", err, out.String())
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 output lines, got %d:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "wan1") || !strings.Contains(lines[0], "miss") {
		t.Errorf("first packet: %q", lines[0])
	}
	if !strings.Contains(lines[1], "wan1") || !strings.Contains(lines[1], "hit") {
		t.Errorf("second packet: %q", lines[1])
	}
	if strings.Contains(lines[2], "wan1") {
		t.Errorf("unknown scope should get the default action: %q", lines[2])
	}
	if lines[3] != "3 packets classified, 0 errors" {
		t.Errorf("summary: %q", lines[3])
	}
}

func TestRunReplay_BadLines(t *testing.T) {
	cfg := writeFile(t, "cfg.hcl", lanConfig)
	trace := writeFile(t, "trace.txt", "v4/lan zz\nnoscope\nv9/lan 00\nv4/lan 0011\n")

	var out bytes.Buffer
	err := RunReplay(&out, cfg, trace, false)
	if err == nil {
		t.Fatal("expected an error for bad trace lines")
	}
	if !strings.Contains(out.String(), "0 packets classified, 4 errors") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}
