package agent

type Status string

const (
	StatusUnavailable  Status = "unavailable"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

const (
	errTextUnreachable = "Cannot reach local sync server."
	errTextUnavailable = "Sync server unavailable on this build."
)

// Label is the short banner text shown for the status.
func (s Status) Label() string {
	switch s {
	case StatusConnected:
		return "Live sync enabled"
	case StatusConnecting:
		return "Syncing..."
	case StatusDisconnected:
		return "Reconnecting sync..."
	case StatusError:
		return "Sync offline"
	default:
		return "Sync unavailable"
	}
}
