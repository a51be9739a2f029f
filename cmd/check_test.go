package cmd

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunCheck_ValidConfig(t *testing.T) {
	path := writeFile(t, "valid.hcl", lanConfig)

	var out bytes.Buffer
	if err := RunCheck(&out, path, false); err != nil {
		t.Fatalf("RunCheck() error = %v", err)
	}
	if !strings.Contains(out.String(), "Configuration is valid (1 scopes)") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestRunCheck_Verbose(t *testing.T) {
	path := writeFile(t, "valid.hcl", lanConfig)

	var out bytes.Buffer
	if err := RunCheck(&out, path, true); err != nil {
		t.Fatalf("RunCheck() error = %v", err)
	}
	if !strings.Contains(out.String(), "v4/lan") {
		t.Errorf("summary is missing the scope: %q", out.String())
	}
	if !strings.Contains(out.String(), "fast_tier_capacity=4") {
		t.Errorf("summary is missing engine settings: %q", out.String())
	}
}

func TestRunCheck_InvalidConfig(t *testing.T) {
	path := writeFile(t, "invalid.hcl", `
scope "v4" "lan" {
    # Missing closing brace
`)
	if err := RunCheck(&bytes.Buffer{}, path, false); err == nil {
		t.Error("RunCheck() error = nil, want parse error")
	}
}

func TestRunCheck_SemanticErrors(t *testing.T) {
	path := writeFile(t, "dup.hcl", `
scope "v4" "lan" {
  rule "a" {
    action = "t"
  }
  rule "a" {
    action = "t"
  }
}
`)
	var out bytes.Buffer
	if err := RunCheck(&out, path, false); err == nil {
		t.Fatal("RunCheck() error = nil, want validation error")
	}
	if !strings.Contains(out.String(), "Configuration is invalid") {
		t.Errorf("unexpected output %q", out.String())
	}
	if !strings.Contains(out.String(), `rule "a"`) {
		t.Errorf("expected the duplicate rule to be named, got %q", out.String())
	}
}

func TestRunCheck_MissingPath(t *testing.T) {
	if err := RunCheck(&bytes.Buffer{}, "", false); err == nil {
		t.Error("expected usage error")
	}
}
