package command

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"slices"
	"strings"

	"github.com/g960059/tmuxgate/internal/model"
)

// Policy decides whether a tokenized command may run. Version identifies the
// policy content so audit records can tell which rules admitted a command.
type Policy interface {
	Version() string
	Check(argv []string) error
}

// wrappers run their argument as a command; the wrapped command is checked
// against the block list too.
var wrappers = map[string]struct{}{
	"builtin": {}, "command": {}, "env": {}, "exec": {}, "nice": {},
	"nohup": {}, "stdbuf": {}, "time": {}, "timeout": {}, "xargs": {},
}

type DenylistPolicy struct {
	blocked map[string]struct{}
	version string
}

func NewDenylistPolicy(blocked []string) DenylistPolicy {
	set := make(map[string]struct{}, len(blocked))
	names := make([]string, 0, len(blocked))
	for _, b := range blocked {
		b = strings.ToLower(strings.TrimSpace(b))
		if b == "" {
			continue
		}
		if _, ok := set[b]; ok {
			continue
		}
		set[b] = struct{}{}
		names = append(names, b)
	}
	return DenylistPolicy{blocked: set, version: policyVersion("denylist", names)}
}

func (p DenylistPolicy) Version() string { return p.version }

func (p DenylistPolicy) Check(argv []string) error {
	for _, name := range commandNames(argv) {
		// "/bin/r?" or "{rm,-rf,x}" expand to a blocked name in the shell.
		if strings.ContainsAny(name, globCharacters) {
			return rejected(model.ReasonMetacharacter)
		}
		if _, ok := p.blocked[name]; ok {
			return rejected(model.ReasonBlocked)
		}
	}
	return nil
}

const globCharacters = "*?[]{}"

// shellUnquote drops the quoting the shell removes before it looks up a
// command name, so \rm, r''m and "rm" all compare as rm.
var shellUnquote = strings.NewReplacer(`\`, "", `'`, "", `"`, "")

// commandNames returns the leading command and anything it wraps, skipping
// flags, VAR=value assignments and numeric wrapper operands. Names come back
// unquoted and lower-cased.
func commandNames(argv []string) []string {
	var names []string
	expectCommand := true
	for _, raw := range argv {
		if !expectCommand {
			break
		}
		arg := shellUnquote.Replace(raw)
		if arg == "" {
			continue
		}
		if strings.HasPrefix(arg, "-") || isAssignment(arg) {
			continue
		}
		if len(names) > 0 && arg[0] >= '0' && arg[0] <= '9' {
			// wrapper operands such as "timeout 5" or "nice -n 10"
			continue
		}
		name := strings.ToLower(path.Base(arg))
		names = append(names, name)
		_, expectCommand = wrappers[name]
	}
	return names
}

func isAssignment(arg string) bool {
	return strings.IndexByte(arg, '=') > 0
}

type AllowlistPolicy struct {
	prefixes [][]string
	version  string
}

// NewAllowlistPolicy admits only commands whose argv starts with one of the
// prefixes, compared token by token.
func NewAllowlistPolicy(prefixes []string) AllowlistPolicy {
	p := AllowlistPolicy{}
	var flat []string
	for _, raw := range prefixes {
		tokens := strings.Fields(raw)
		if len(tokens) == 0 {
			continue
		}
		p.prefixes = append(p.prefixes, tokens)
		flat = append(flat, strings.Join(tokens, " "))
	}
	p.version = policyVersion("allowlist", flat)
	return p
}

func (p AllowlistPolicy) Version() string { return p.version }

func (p AllowlistPolicy) Check(argv []string) error {
	for _, prefix := range p.prefixes {
		if len(argv) >= len(prefix) && slices.Equal(argv[:len(prefix)], prefix) {
			return nil
		}
	}
	return rejected(model.ReasonNotAllowed)
}

func policyVersion(kind string, entries []string) string {
	sorted := slices.Clone(entries)
	slices.Sort(sorted)
	hash := sha256.Sum256([]byte(strings.Join(sorted, "\x1f")))
	return kind + "-" + hex.EncodeToString(hash[:])[:12]
}
