// Package hooks holds logrus hooks shared by the gitsnap binaries.
package hooks

import (
	"runtime/debug"
	"strings"

	log "github.com/sirupsen/logrus"
)

type contextHook struct {
	trimPrefix string
}

// NewContextHook returns a hook that annotates every entry with the
// "file:line" of its call site, trimmed to a path relative to the module.
func NewContextHook() log.Hook {
	return contextHook{trimPrefix: "gitsnap/"}
}

func (hook contextHook) Levels() []log.Level {
	return log.AllLevels
}

// Fire walks the stack past logrus' own frames. Stack frames come in pairs
// (function line, then file line), so once the hook's frame is found only the
// file lines are inspected.
func (hook contextHook) Fire(entry *log.Entry) error {
	lines := strings.Split(string(debug.Stack()), "\n")
	found := false
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if !found {
			if strings.Contains(line, "context_hook.go:") {
				found = true
			}
			continue
		}
		if !strings.HasPrefix(line, "\t") {
			continue
		}
		if strings.Contains(line, "sirupsen/logrus") {
			continue
		}
		ctx := strings.Split(strings.TrimSpace(line), hook.trimPrefix)
		entry.Data["file:line"] = strings.Split(ctx[len(ctx)-1], " ")[0]
		return nil
	}
	return nil
}
