package fetchgit

import "testing"

func TestKeyIsDeterministicAndModeSensitive(t *testing.T) {
	a := Key("https://example.com/repo.git", "main", Default)
	b := Key("https://example.com/repo.git", "main", Default)
	if a != b {
		t.Errorf("Key() not deterministic: %q != %q", a, b)
	}

	c := Key("https://example.com/repo.git", "main", Blobless)
	if a == c {
		t.Errorf("Key() did not vary with clone mode")
	}
}

func TestLockMatches(t *testing.T) {
	cases := []struct {
		locked, rev string
		want        bool
	}{
		{"abc123", "abc123", true},
		{"abc123", "^1.2.3", true},
		{"abc123", "main", false},
		{"abc123", "feature/foo", false},
	}
	for _, tc := range cases {
		if got := lockMatches(tc.locked, tc.rev); got != tc.want {
			t.Errorf("lockMatches(%q, %q) = %v, want %v", tc.locked, tc.rev, got, tc.want)
		}
	}
}

func TestSafeGitEnvExcludesGitVars(t *testing.T) {
	t.Setenv("GIT_CONFIG_GLOBAL", "/tmp/should-not-leak")
	env := safeGitEnv()
	for _, kv := range env {
		if len(kv) >= 4 && kv[:4] == "GIT_" {
			if kv == "GIT_CONFIG_GLOBAL=/tmp/should-not-leak" {
				t.Errorf("safeGitEnv() leaked ambient GIT_CONFIG_GLOBAL")
			}
		}
	}
}
