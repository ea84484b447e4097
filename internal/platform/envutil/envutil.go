package envutil

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

// String returns the trimmed value of name, or def when unset or blank.
func String(name, def string, log *logger.Logger) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		if log != nil {
			log.Debug("Environment variable not found, using default", "env_var", name, "default", def)
		}
		return def
	}
	return v
}

func Int(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func Bool(name string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "":
		return def
	case "1", "t", "true", "y", "yes", "on":
		return true
	case "0", "f", "false", "n", "no", "off":
		return false
	default:
		return def
	}
}

// Duration accepts Go duration strings ("45s") or a bare integer number of seconds.
func Duration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
