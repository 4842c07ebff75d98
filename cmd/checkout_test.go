package cmd

import "testing"

func TestParseWorkflowFlagSplitsDirAndScripts(t *testing.T) {
	dir, scripts, err := parseWorkflowFlag("/repo/workflows:ci.spaces.star,lint.spaces.star")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dir != "/repo/workflows" {
		t.Errorf("dir = %q, want /repo/workflows", dir)
	}
	want := []string{"ci.spaces.star", "lint.spaces.star"}
	if len(scripts) != len(want) {
		t.Fatalf("scripts = %v, want %v", scripts, want)
	}
	for i, s := range want {
		if scripts[i] != s {
			t.Errorf("scripts[%d] = %q, want %q", i, scripts[i], s)
		}
	}
}

func TestParseWorkflowFlagRejectsEmpty(t *testing.T) {
	if _, _, err := parseWorkflowFlag(""); err == nil {
		t.Fatal("expected a usage error for an empty --workflow flag")
	}
}

func TestParseWorkflowFlagRejectsMissingColon(t *testing.T) {
	if _, _, err := parseWorkflowFlag("no-colon-here"); err == nil {
		t.Fatal("expected a usage error when --workflow has no colon separator")
	}
}

func TestParseWorkflowFlagRejectsNoScripts(t *testing.T) {
	if _, _, err := parseWorkflowFlag("/repo/workflows:"); err == nil {
		t.Fatal("expected a usage error when no scripts are named")
	}
}
