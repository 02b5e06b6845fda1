package filter

import (
	"slices"
	"strings"
)

var systemDatabases = map[string][]string{
	"sqlserver": {"master", "model", "msdb", "tempdb"},
	"postgres":  {"postgres", "template0", "template1"},
	"mysql":     {"mysql", "information_schema", "performance_schema", "sys"},
}

// IsSystemDatabase reports whether name is a system database of engine.
// An empty or unknown engine matches the system databases of every known engine.
func IsSystemDatabase(engine, name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if names, ok := systemDatabases[strings.ToLower(engine)]; ok {
		return slices.Contains(names, name)
	}
	for _, names := range systemDatabases {
		if slices.Contains(names, name) {
			return true
		}
	}
	return false
}
