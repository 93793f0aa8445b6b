package buildinfo

import "testing"

func TestCurrent(t *testing.T) {
	restore := func(v, c, d string) func() {
		return func() { Version, Commit, Date = v, c, d }
	}
	defer restore(Version, Commit, Date)()

	t.Run("linker overrides win", func(t *testing.T) {
		Version, Commit, Date = "v2.0.0", "deadbee", "2026-08-01T09:30:00Z"
		info := Current()
		if info.Version != "v2.0.0" {
			t.Fatalf("version = %q", info.Version)
		}
		if info.Commit != "deadbee" {
			t.Fatalf("commit = %q", info.Commit)
		}
		if info.Date != "2026-08-01 09:30:00 UTC" {
			t.Fatalf("date = %q", info.Date)
		}
	})

	t.Run("empty fields fall back to non-empty values", func(t *testing.T) {
		Version, Commit, Date = "", "", ""
		info := Current()
		if info.Version == "" || info.Commit == "" || info.Date == "" {
			t.Fatalf("fields should never be empty: %+v", info)
		}
	})
}

func TestVCSCommitMarksDirty(t *testing.T) {
	got := vcsCommit(nil)
	if got != "" {
		t.Fatalf("vcsCommit(nil) = %q, want empty", got)
	}
}
