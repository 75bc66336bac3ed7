package policy

import (
	"reflect"
	"strings"
	"testing"
)

func mustParse(t *testing.T, doc string) *Allowlist {
	t.Helper()
	al, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return al
}

func TestSplitSubCommands(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"ls", []string{"ls"}},
		{"ls -la | grep foo", []string{"ls -la", "grep foo"}},
		{"make build && make test", []string{"make build", "make test"}},
		{"a; b || c", []string{"a", "b", "c"}},
		{"echo `whoami`", []string{"echo", "whoami"}},
		{"cat $(find . -name x)", []string{"cat", "find . -name x"}},
		{"diff <(sort a) <(sort b)", []string{"diff", "sort a", "sort b"}},
		{"echo $(ls $(pwd))", []string{"echo", "ls", "pwd"}},
	}
	for _, tt := range tests {
		got := SplitSubCommands(tt.in)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitSubCommands(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCheckApproveAndDeny(t *testing.T) {
	al := mustParse(t, `
git: true
ls: true
grep: true
rm: false
`)
	tests := []struct {
		cmd      string
		approved bool
		rule     string
	}{
		{"git status", true, ""},
		{"ls -la", true, ""},
		{"ls | grep foo", true, ""},
		{"rm -rf /", false, "rm"},
		{"ls && rm -rf /", false, "rm"},
		{"echo hi", false, ""}, // unmatched: not approved, not denied by rule
		{"git log `rm -rf /`", false, "rm"},
	}
	for _, tt := range tests {
		d := al.Check(tt.cmd)
		if d.Approved != tt.approved {
			t.Errorf("Check(%q).Approved = %v, want %v (%s)", tt.cmd, d.Approved, tt.approved, d.Reason)
		}
		if d.Rule != tt.rule {
			t.Errorf("Check(%q).Rule = %q, want %q", tt.cmd, d.Rule, tt.rule)
		}
	}
}

func TestCheckRegexRules(t *testing.T) {
	al := mustParse(t, `
/^git (status|log)/: true
/CURL/i: false
`)
	if d := al.Check("git status --short"); !d.Approved {
		t.Errorf("regex approve failed: %+v", d)
	}
	if d := al.Check("git push"); d.Approved {
		t.Errorf("unmatched regex should not approve")
	}
	if d := al.Check("curl http://x"); d.Approved || d.Rule != "/CURL/i" {
		t.Errorf("case-insensitive deny failed: %+v", d)
	}
}

func TestCheckFullLineRule(t *testing.T) {
	al := mustParse(t, `
make build && make test:
  approve: true
  matchCommandLine: true
`)
	// The full line is approved even though the individual sub-commands have
	// no approving rule.
	if d := al.Check("make build && make test"); !d.Approved {
		t.Errorf("full-line approval failed: %+v", d)
	}
	if d := al.Check("make build"); d.Approved {
		t.Errorf("sub-command should not inherit full-line approval")
	}
}

func TestCheckFullLineDeny(t *testing.T) {
	al := mustParse(t, `
ls: true
/rf/:
  approve: false
  matchCommandLine: true
`)
	d := al.Check("ls -rf")
	if d.Approved {
		t.Errorf("full-line deny ignored: %+v", d)
	}
	if !strings.Contains(d.Reason, "/rf/") {
		t.Errorf("reason should carry the matched rule: %q", d.Reason)
	}
}

func TestDenyShortCircuitsApprove(t *testing.T) {
	// A deny rule wins even when another rule approves the same command.
	al := mustParse(t, `
git: true
/push/: false
`)
	if d := al.Check("git push origin"); d.Approved {
		t.Errorf("deny should override approve: %+v", d)
	}
}

func TestBaseNameMatch(t *testing.T) {
	al := mustParse(t, `
ls: true
`)
	if d := al.Check("/bin/ls -la"); !d.Approved {
		t.Errorf("base-name match failed: %+v", d)
	}
}

func TestApprovedPatterns(t *testing.T) {
	al := mustParse(t, `
git: true
rm: false
ls: true
`)
	want := []string{"git", "ls"}
	if got := al.ApprovedPatterns(); !reflect.DeepEqual(got, want) {
		t.Errorf("ApprovedPatterns = %v, want %v", got, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	al, err := Load("/nonexistent/allowlist.yml")
	if err != nil {
		t.Fatalf("missing allowlist should not error: %v", err)
	}
	if d := al.Check("ls"); d.Approved {
		t.Errorf("empty allowlist approved a command")
	}
}
