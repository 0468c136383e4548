package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "site-policy.rego")
	regoContent := `package site

import rego.v1

# not part of the description
deny contains "never" if false
`
	writeFile(t, policyFile, regoContent)

	policy, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "site-policy" {
		t.Errorf("Expected name 'site-policy', got '%s'", policy.Name)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled || policy.Severity != SeverityWarning {
		t.Errorf("unexpected defaults: %+v", policy)
	}
	if policy.Source != policyFile || policy.Description != "" {
		t.Errorf("source %q description %q", policy.Source, policy.Description)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "site.json")
	writeFile(t, policyFile, `{
  "name": "site-json",
  "description": "from json",
  "severity": "error",
  "remediation": "ask the workspace owner",
  "rego": "package site.json\n\nimport rego.v1\n\ndeny contains \"no\" if false\n"
}`)

	policy, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "site-json" || policy.Severity != SeverityError {
		t.Errorf("unexpected policy: %+v", policy)
	}
	if !policy.Enabled {
		t.Error("JSON policy without enabled field should be enabled")
	}
	if policy.Remediation != "ask the workspace owner" {
		t.Errorf("remediation = %q", policy.Remediation)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported type", "policy.txt", "package x"},
		{"invalid json", "bad.json", "{not json"},
		{"json without name", "anon.json", `{"rego": "package x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)
			if _, err := loader.loadFromFile(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadFromDirectory(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "b.rego"), "package b")
	writeFile(t, filepath.Join(dir, "nested", "a.rego"), "package a")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("loaded %d policies, want 2", len(policies))
	}
	// lexical path order: b.rego sorts before nested/a.rego
	if policies[0].Name != "b" || policies[1].Name != "a" {
		t.Errorf("order = %s, %s", policies[0].Name, policies[1].Name)
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	one := filepath.Join(dir, "one.rego")
	two := filepath.Join(dir, "sub", "two.rego")
	writeFile(t, one, "package one")
	writeFile(t, two, "package two")

	policies, err := loader.LoadFromPaths(context.Background(), []string{one, filepath.Dir(two)})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("loaded %d policies, want 2", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("expected error for missing path")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := loader.LoadFromPaths(ctx, []string{one}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name: "single line comment",
			content: `# Keep the primary compute environment
package test`,
			expected: "Keep the primary compute environment",
		},
		{
			name: "multi line comments",
			content: `# This is a test policy
# that spans multiple lines
package test`,
			expected: "This is a test policy that spans multiple lines",
		},
		{
			name:     "no comments",
			content:  "package test\n\n# trailing comment",
			expected: "",
		},
		{
			name: "comments with empty lines",
			content: `
# First line
#
# Second line
package test`,
			expected: "First line Second line",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := extractDescription(tt.content); result != tt.expected {
				t.Errorf("Expected description '%s', got '%s'", tt.expected, result)
			}
		})
	}
}
