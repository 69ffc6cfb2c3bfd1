// Package logging configures the commonlog backend shared by every grex
// package.
package logging

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

// Environment overrides.
const (
	EnvLevel = "GREX_LOG_LEVEL"
	EnvFile  = "GREX_LOG_FILE"
)

// Verbosity levels accepted by Configure. Notice is commonlog's default.
const (
	Quiet   = -4
	Notice  = 0
	Info    = 1
	Verbose = 2
)

var levels = map[string]int{
	"none":     -4,
	"critical": -3,
	"error":    -2,
	"warning":  -1,
	"notice":   0,
	"info":     1,
	"debug":    2,
}

var once sync.Once

// Configure sets the log verbosity and destination the first time it is
// called; later calls do nothing. GREX_LOG_LEVEL overrides verbosity and
// GREX_LOG_FILE sends output to a file instead of stderr.
func Configure(verbosity int) {
	once.Do(func() {
		if v, ok := ParseLevel(os.Getenv(EnvLevel)); ok {
			verbosity = v
		}
		var path *string
		if p := os.Getenv(EnvFile); p != "" {
			path = &p
		}
		commonlog.Configure(verbosity, path)
	})
}

// ParseLevel converts a level name or number to a verbosity.
func ParseLevel(s string) (int, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	if v, ok := levels[s]; ok {
		return v, true
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}
