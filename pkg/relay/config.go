package relay

import (
	"fmt"
	"strconv"
)

const (
	DefaultPort = 4001
	PortEnv     = "STAGE_SYNC_PORT"
)

// PortFromEnv returns the listen port from STAGE_SYNC_PORT, or DefaultPort when it is unset.
func PortFromEnv(getenv func(string) string) (int, error) {
	raw := getenv(PortEnv)
	if raw == "" {
		return DefaultPort, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid %s %q", PortEnv, raw)
	}
	return port, nil
}
