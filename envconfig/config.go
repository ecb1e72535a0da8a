// Package envconfig centralizes the process's environment-variable driven
// configuration: log verbosity, default context/batch sizing, and the
// loopback address for the optional debug HTTP surface (server package).
//
// Other scheduler knobs (n_ctx, n_batch, n_keep, n_slots) are passed
// explicitly to the core.Handle constructor rather than read from the
// environment, since they are per-model construction parameters, not
// process-wide defaults; ContextLength and NumSlots (config_features.go)
// only supply the defaults cmd/slotd uses for its flags.
package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Host returns the scheme and address the optional debug HTTP surface
// listens on. Configurable via SLOTD_HOST, default http://127.0.0.1:11434.
func Host() *url.URL {
	defaultPort := "11434"

	s := strings.TrimSpace(Var("SLOTD_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// AllowedOrigins returns origins the debug HTTP surface's CORS middleware
// permits. Configurable via SLOTD_ORIGINS (comma separated); localhost is
// always included.
func AllowedOrigins() (origins []string) {
	if s := Var("SLOTD_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}

	return origins
}

// LogLevel returns the configured slog level. Configurable via SLOTD_DEBUG:
// unset/false = INFO, true/1 = DEBUG, 2 = TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("SLOTD_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var returns an environment variable value, trimming surrounding
// whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
