package agent

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

const DefaultPort = 4001

// Endpoint lists every source a relay address can come from, in priority order.
type Endpoint struct {
	URL  string
	Host string
	// HostPort applies to Host only. Zero falls back to Port.
	HostPort int
	// Port applies to Host, DevHost and LocationHost. Zero means DefaultPort.
	Port int
	// DevHost is a host hint from the development tooling, possibly with a scheme and port.
	DevHost string
	// LocationHost is the host[:port] the session was served from.
	LocationHost string
}

// Resolve picks the relay websocket URL. It returns false when no source yields a host.
func (e Endpoint) Resolve() (string, bool) {
	if e.URL != "" {
		slog.Debug("using explicit sync url", "url", e.URL)
		return normalizeWsURL(e.URL, 0), true
	}
	if e.Host != "" {
		port := e.HostPort
		if port <= 0 {
			port = e.port()
		}
		slog.Debug("using explicit host override", "host", e.Host, "port", port)
		return normalizeWsURL(e.Host, port), true
	}
	candidate := e.DevHost
	if candidate == "" {
		candidate = e.LocationHost
	}
	if candidate == "" {
		return "", false
	}
	host, _, _ := strings.Cut(sanitizeHost(candidate), ":")
	if host == "" {
		slog.Debug("failed to parse host from candidate", "candidate", candidate)
		return "", false
	}
	return fmt.Sprintf("ws://%s:%d", host, e.port()), true
}

func (e Endpoint) port() int {
	if e.Port > 0 {
		return e.Port
	}
	return DefaultPort
}

// sanitizeHost strips http(s) and exp schemes, query strings and paths.
func sanitizeHost(value string) string {
	for _, prefix := range []string{"https://", "http://", "exp:///", "exp://"} {
		if strings.HasPrefix(value, prefix) {
			value = strings.TrimPrefix(value, prefix)
			break
		}
	}
	value, _, _ = strings.Cut(value, "?")
	value, _, _ = strings.Cut(value, "/")
	return value
}

// parsePort returns fallback for absent or non-positive values.
func parsePort(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func normalizeWsURL(input string, port int) string {
	if strings.HasPrefix(input, "ws://") || strings.HasPrefix(input, "wss://") {
		return input
	}
	host, portPart, _ := strings.Cut(sanitizeHost(input), ":")
	resolved := parsePort(portPart, port)
	if resolved <= 0 {
		resolved = DefaultPort
	}
	return fmt.Sprintf("ws://%s:%d", host, resolved)
}
