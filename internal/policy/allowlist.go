// Package policy evaluates shell-like command lines against a user allowlist.
// A pattern authorizes (or denies) commands by literal prefix, base-name, or
// /regex/flags match; command lines are split into sub-commands so a single
// allowed binary cannot smuggle a denied one through pipes or substitution.
package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule is one allowlist entry.
type Rule struct {
	// Pattern is a literal prefix/base-name pattern or a /regex/flags form.
	Pattern string

	// Approve authorizes matching commands; false denies them.
	Approve bool

	// MatchCommandLine evaluates the rule against the whole command line
	// instead of individual sub-commands.
	MatchCommandLine bool

	re *regexp.Regexp
}

// Allowlist is an ordered rule set parsed from the YAML mapping form
// pattern -> true | false | {approve, matchCommandLine}.
type Allowlist struct {
	Rules []Rule
}

// Decision is the outcome of checking one command line.
type Decision struct {
	Approved bool
	// Rule is the pattern that decided the outcome: the denying rule, or
	// the full-line approving rule. Empty when approval came from per-sub-
	// command matches or when nothing matched.
	Rule   string
	Reason string
}

// Load reads the allowlist file. A missing file yields an empty allowlist
// (nothing approved, nothing denied).
func Load(path string) (*Allowlist, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Allowlist{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read allowlist: %w", err)
	}
	return Parse(data)
}

// Parse decodes the YAML mapping, preserving file order.
func Parse(data []byte) (*Allowlist, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse allowlist: %w", err)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return &Allowlist{}, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("allowlist must be a mapping")
	}
	al := &Allowlist{}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i]
		val := doc.Content[i+1]
		rule := Rule{Pattern: key.Value}
		switch val.Kind {
		case yaml.ScalarNode:
			var b bool
			if err := val.Decode(&b); err != nil {
				return nil, fmt.Errorf("allowlist rule %q: %w", key.Value, err)
			}
			rule.Approve = b
		case yaml.MappingNode:
			var body struct {
				Approve          bool `yaml:"approve"`
				MatchCommandLine bool `yaml:"matchCommandLine"`
			}
			if err := val.Decode(&body); err != nil {
				return nil, fmt.Errorf("allowlist rule %q: %w", key.Value, err)
			}
			rule.Approve = body.Approve
			rule.MatchCommandLine = body.MatchCommandLine
		default:
			return nil, fmt.Errorf("allowlist rule %q: unsupported value", key.Value)
		}
		if re, ok, err := compilePattern(rule.Pattern); err != nil {
			return nil, fmt.Errorf("allowlist rule %q: %w", rule.Pattern, err)
		} else if ok {
			rule.re = re
		}
		al.Rules = append(al.Rules, rule)
	}
	return al, nil
}

// compilePattern recognizes the /regex/flags form. Only the i flag is
// honored; unknown flags are ignored.
func compilePattern(pattern string) (*regexp.Regexp, bool, error) {
	if len(pattern) < 2 || !strings.HasPrefix(pattern, "/") {
		return nil, false, nil
	}
	end := strings.LastIndex(pattern, "/")
	if end == 0 {
		return nil, false, nil
	}
	expr := pattern[1:end]
	flags := pattern[end+1:]
	if strings.Contains(flags, "i") {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, false, err
	}
	return re, true, nil
}

// Matches reports whether the rule matches the command text.
func (r Rule) Matches(command string) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return false
	}
	if r.re != nil {
		return r.re.MatchString(command)
	}
	if strings.HasPrefix(command, r.Pattern) {
		return true
	}
	argv0 := command
	if i := strings.IndexAny(command, " \t"); i >= 0 {
		argv0 = command[:i]
	}
	return filepath.Base(argv0) == r.Pattern
}

// Check evaluates a command line. The line is approved iff no sub-command or
// full-line rule denies it, and either every sub-command is approved by some
// rule or the full line is approved by a matchCommandLine rule. Any deny
// short-circuits with the matched rule as the reason.
func (al *Allowlist) Check(commandLine string) Decision {
	commandLine = strings.TrimSpace(commandLine)
	subs := SplitSubCommands(commandLine)

	for _, rule := range al.Rules {
		if rule.Approve {
			continue
		}
		if rule.MatchCommandLine {
			if rule.Matches(commandLine) {
				return Decision{Rule: rule.Pattern, Reason: fmt.Sprintf("command line denied by rule %q", rule.Pattern)}
			}
			continue
		}
		for _, sub := range subs {
			if rule.Matches(sub) {
				return Decision{Rule: rule.Pattern, Reason: fmt.Sprintf("command %q denied by rule %q", sub, rule.Pattern)}
			}
		}
	}

	for _, rule := range al.Rules {
		if rule.Approve && rule.MatchCommandLine && rule.Matches(commandLine) {
			return Decision{Approved: true, Rule: rule.Pattern}
		}
	}

	if len(subs) == 0 {
		return Decision{Reason: "empty command"}
	}
	for _, sub := range subs {
		if !al.approvesSub(sub) {
			return Decision{Reason: fmt.Sprintf("no allowlist rule approves %q", sub)}
		}
	}
	return Decision{Approved: true}
}

func (al *Allowlist) approvesSub(sub string) bool {
	for _, rule := range al.Rules {
		if rule.Approve && !rule.MatchCommandLine && rule.Matches(sub) {
			return true
		}
	}
	return false
}

// ApprovedPatterns lists the approve-valued patterns, for diagnostics when
// an unattended run rejects a command.
func (al *Allowlist) ApprovedPatterns() []string {
	var out []string
	for _, rule := range al.Rules {
		if rule.Approve {
			out = append(out, rule.Pattern)
		}
	}
	return out
}

// SplitSubCommands splits a command line at shell separators (||, &&, ;, |)
// and lifts inline substitution bodies (`...`, $(...), <(...), >(...)) out
// as additional sub-commands, recursively.
func SplitSubCommands(commandLine string) []string {
	outer, inner := extractSubstitutions(commandLine)
	var subs []string
	for _, part := range splitSeparators(outer) {
		part = strings.TrimSpace(part)
		if part != "" {
			subs = append(subs, part)
		}
	}
	for _, body := range inner {
		subs = append(subs, SplitSubCommands(body)...)
	}
	return subs
}

// extractSubstitutions removes substitution forms from the line, returning
// the remaining text and the extracted bodies.
func extractSubstitutions(s string) (outer string, bodies []string) {
	var out strings.Builder
	for i := 0; i < len(s); {
		switch {
		case s[i] == '`':
			end := strings.IndexByte(s[i+1:], '`')
			if end < 0 {
				out.WriteString(s[i:])
				return out.String(), bodies
			}
			bodies = append(bodies, s[i+1:i+1+end])
			out.WriteByte(' ')
			i += end + 2
		case hasParenForm(s[i:]):
			offset := parenOffset(s[i:])
			body, consumed := balancedParen(s[i+offset:])
			if consumed == 0 {
				out.WriteByte(s[i])
				i++
				continue
			}
			bodies = append(bodies, body)
			out.WriteByte(' ')
			i += offset + consumed
		default:
			out.WriteByte(s[i])
			i++
		}
	}
	return out.String(), bodies
}

func hasParenForm(s string) bool {
	return strings.HasPrefix(s, "$(") || strings.HasPrefix(s, "<(") || strings.HasPrefix(s, ">(")
}

func parenOffset(s string) int {
	if strings.HasPrefix(s, "$(") {
		return 1
	}
	return 1 // <( and >( also have the paren at index 1
}

// balancedParen consumes "(...)" from the start of s, honoring nesting.
// Returns the body and the number of bytes consumed including both parens.
func balancedParen(s string) (string, int) {
	if len(s) == 0 || s[0] != '(' {
		return "", 0
	}
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return s[1:i], i + 1
			}
		}
	}
	return "", 0
}

func splitSeparators(s string) []string {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], "||") || strings.HasPrefix(s[i:], "&&"):
			parts = append(parts, cur.String())
			cur.Reset()
			i += 2
		case s[i] == ';' || s[i] == '|':
			parts = append(parts, cur.String())
			cur.Reset()
			i++
		default:
			cur.WriteByte(s[i])
			i++
		}
	}
	parts = append(parts, cur.String())
	return parts
}
