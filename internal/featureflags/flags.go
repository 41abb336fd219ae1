package featureflags

import (
	"os"
	"strings"
)

// Known flags:
//
//	FLAG_REALTIME   - subscribe to the backend's realtime auth channel in
//	                  one-shot commands too; watch mode always subscribes

// Enabled returns true if a flag is enabled via environment variable.
// Flags are read from env as FLAG_<NAME>=true/1/yes (case-insensitive)
func Enabled(name string) bool {
	v := os.Getenv("FLAG_" + strings.ToUpper(name))
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
