package tools

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Resolved is the result of mapping a command line onto the catalog.
type Resolved struct {
	Def  *Definition
	Args map[string]any

	// SessionID is nonzero when the alias bound an explicit target session.
	SessionID int
}

// ErrNotFound reports an unresolvable command.
type ErrNotFound struct{ Command string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("command not found: %s", e.Command) }

// Resolve maps a command line to a tool invocation. Aliases are tried in
// registration order; failing that, argv tokens are glued with "__" and the
// longest concatenation present in the registry wins, with the remaining
// tokens bound as positional arguments.
func (r *Registry) Resolve(commandLine string) (*Resolved, error) {
	argv := SplitArgv(commandLine)
	if len(argv) == 0 {
		return nil, &ErrNotFound{Command: commandLine}
	}

	r.mu.RLock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	r.mu.RUnlock()

	for _, name := range order {
		d, _ := r.Get(name)
		if d.Alias == nil {
			continue
		}
		if m, ok := d.Alias(argv); ok {
			target, tok := r.Get(m.Name)
			if !tok || target.Execute == nil {
				return nil, &ErrNotFound{Command: m.Name}
			}
			args := m.Args
			if args == nil {
				args = map[string]any{}
			}
			return &Resolved{Def: target, Args: args, SessionID: m.SessionID}, nil
		}
	}

	// Longest existing "__" concatenation wins; remaining tokens become
	// positional args.
	bestName := ""
	bestLen := 0
	acc := ""
	for i, tok := range argv {
		if i == 0 {
			acc = tok
		} else {
			acc += "__" + tok
		}
		if _, ok := r.Get(acc); ok {
			bestName, bestLen = acc, i+1
		}
	}
	if bestName == "" {
		return nil, &ErrNotFound{Command: commandLine}
	}
	d, _ := r.Get(bestName)
	if d.Execute == nil {
		return nil, &ErrNotFound{Command: bestName}
	}
	args, err := bindPositional(d, argv[bestLen:])
	if err != nil {
		return nil, err
	}
	return &Resolved{Def: d, Args: args}, nil
}

// bindPositional maps leftover argv tokens onto the tool's positional
// parameter names. A trailing flow-style {...} or [...] token is parsed as
// YAML: a mapping merges into the args, anything else binds positionally.
func bindPositional(d *Definition, rest []string) (map[string]any, error) {
	args := map[string]any{}
	if len(rest) == 0 {
		return args, nil
	}

	if last := rest[len(rest)-1]; strings.HasPrefix(last, "{") || strings.HasPrefix(last, "[") {
		var v any
		if err := yaml.Unmarshal([]byte(last), &v); err != nil {
			return nil, fmt.Errorf("tool %s: bad flow-style argument: %w", d.Name, err)
		}
		rest = rest[:len(rest)-1]
		if m, ok := v.(map[string]any); ok {
			for k, val := range m {
				args[k] = val
			}
		} else if len(d.Positional) > 0 {
			args[d.Positional[len(d.Positional)-1]] = v
		}
	}

	for i, name := range d.Positional {
		if i >= len(rest) {
			break
		}
		if i == len(d.Positional)-1 && len(rest) > len(d.Positional) {
			// Last positional absorbs the remainder.
			args[name] = strings.Join(rest[i:], " ")
			break
		}
		args[name] = coerceScalar(rest[i])
	}
	return args, nil
}

// coerceScalar converts CLI tokens to int/bool where they parse as such.
func coerceScalar(tok string) any {
	if n, err := strconv.Atoi(tok); err == nil {
		return n
	}
	switch tok {
	case "true":
		return true
	case "false":
		return false
	}
	return tok
}

// SplitArgv splits a command line into tokens, respecting single and double
// quotes. A token opening a flow-style {...} or [...] argument swallows the
// rest of the line so structured trailing arguments survive as one token.
func SplitArgv(line string) []string {
	var argv []string
	var cur strings.Builder
	inToken := false
	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c == ' ' || c == '\t':
			if inToken {
				argv = append(argv, cur.String())
				cur.Reset()
				inToken = false
			}
			i++
		case c == '\'' || c == '"':
			quote := c
			i++
			inToken = true
			for i < len(line) && line[i] != quote {
				cur.WriteByte(line[i])
				i++
			}
			if i < len(line) {
				i++ // closing quote
			}
		case (c == '{' || c == '[') && !inToken:
			// Flow-style trailing argument: keep verbatim to end of line.
			argv = append(argv, strings.TrimSpace(line[i:]))
			return argv
		default:
			inToken = true
			cur.WriteByte(c)
			i++
		}
	}
	if inToken {
		argv = append(argv, cur.String())
	}
	return argv
}
