// Package xlog wraps github.com/hashicorp/go-hclog with the DEBUG
// namespace-pattern gate of spec §6.3: a comma-separated list of patterns
// such as "smol:*,-smol:vfs", or the literal "1"/"true" to enable
// everything. Diagnostics gated off by DEBUG never reach hclog at all, so
// a disabled namespace costs nothing at the call site beyond the pattern
// match.
package xlog

import (
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Logger is a namespace-scoped diagnostic logger. Embedder components hold
// one per subsystem (e.g. "smol:elf", "smol:macho", "smol:embed").
type Logger struct {
	namespace string
	base      hclog.Logger
}

var (
	once    sync.Once
	root    hclog.Logger
	pattern []pat
)

type pat struct {
	prefix string // namespace prefix to match, "*" matches everything
	negate bool
}

func initPatterns() {
	once.Do(func() {
		root = hclog.New(&hclog.LoggerOptions{
			Name:            "binpress",
			Level:           hclog.Trace,
			Output:          os.Stderr,
			IncludeLocation: false,
		})
		raw := os.Getenv("DEBUG")
		if raw == "" {
			return
		}
		if raw == "1" || strings.EqualFold(raw, "true") {
			pattern = []pat{{prefix: "*"}}
			return
		}
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			p := pat{prefix: part}
			if strings.HasPrefix(part, "-") {
				p.negate = true
				p.prefix = part[1:]
			}
			pattern = append(pattern, p)
		}
	})
}

// enabled reports whether namespace ns is gated on by DEBUG.
func enabled(ns string) bool {
	initPatterns()
	if len(pattern) == 0 {
		return false
	}
	matched := false
	for _, p := range pattern {
		if p.prefix == "*" || matchNamespace(p.prefix, ns) {
			if p.negate {
				return false
			}
			matched = true
		}
	}
	return matched
}

func matchNamespace(prefix, ns string) bool {
	prefix = strings.TrimSuffix(prefix, "*")
	return strings.HasPrefix(ns, prefix)
}

// New returns a Logger scoped to namespace ns (conventionally "smol:<area>").
func New(ns string) *Logger {
	initPatterns()
	return &Logger{namespace: ns, base: root.Named(ns)}
}

func (l *Logger) Debug(msg string, args ...any) {
	if enabled(l.namespace) {
		l.base.Debug(msg, args...)
	}
}

func (l *Logger) Trace(msg string, args ...any) {
	if enabled(l.namespace) {
		l.base.Trace(msg, args...)
	}
}

// Warn and Error are not gated by DEBUG: they always surface, matching
// §7's "errors are surfaced to the caller" policy for soft failures (e.g.
// the codesign step).
func (l *Logger) Warn(msg string, args ...any) {
	l.base.Warn(msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.base.Error(msg, args...)
}
