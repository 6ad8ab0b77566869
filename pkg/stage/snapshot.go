// Package stage models the shared stage document: equipment placed on the stage and the issues
// reported against it.
package stage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type EquipmentType string

const (
	EquipmentMic   EquipmentType = "mic"
	EquipmentLight EquipmentType = "light"
)

type IssueStatus string

const (
	StatusResolved        IssueStatus = "resolved"
	StatusInProgress      IssueStatus = "in-progress"
	StatusNeedsAttention  IssueStatus = "needs-attention"
	StatusProblemDetected IssueStatus = "problem-detected"
	StatusCustom          IssueStatus = "custom"
)

type Crew string

const (
	CrewSound    Crew = "sound"
	CrewLighting Crew = "lighting"
	CrewStage    Crew = "stage"
)

// Position is relative to the stage, 0..1 on each axis.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Equipment struct {
	ID       string        `json:"id"`
	Type     EquipmentType `json:"type"`
	Label    string        `json:"label"`
	Position Position      `json:"position"`
	Status   IssueStatus   `json:"status"`
	Crew     Crew          `json:"crew,omitempty"`
	Icon     string        `json:"icon,omitempty"`
}

// CustomStatus accompanies StatusCustom.
type CustomStatus struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type Issue struct {
	ID             string        `json:"id"`
	EquipmentID    string        `json:"equipmentId"`
	EquipmentLabel string        `json:"equipmentLabel"`
	Title          string        `json:"title"`
	Description    string        `json:"description,omitempty"`
	Status         IssueStatus   `json:"status"`
	CustomStatus   *CustomStatus `json:"customStatus,omitempty"`
	ReportedBy     string        `json:"reportedBy"`
	ReportedAt     time.Time     `json:"reportedAt"`
	// EstimatedMinutes is the estimated resolution time in minutes.
	EstimatedMinutes *float64 `json:"estimatedResolutionTime,omitempty"`
	AssignedTo       []string `json:"assignedTo,omitempty"`
}

// EstimatedResolution returns the estimate as a duration, zero when unset.
func (i Issue) EstimatedResolution() time.Duration {
	if i.EstimatedMinutes == nil {
		return 0
	}
	return time.Duration(*i.EstimatedMinutes * float64(time.Minute))
}

// TimestampLayout matches ISO-8601 with millisecond precision in UTC, e.g. 2024-05-01T19:30:00.000Z.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var ErrInvalidTimestamp = errors.New("invalid timestamp")

type issueAlias Issue

type wireIssue struct {
	issueAlias
	ReportedAt string `json:"reportedAt"`
}

func (i Issue) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireIssue{
		issueAlias: issueAlias(i),
		ReportedAt: i.ReportedAt.UTC().Format(TimestampLayout),
	})
}

func (i *Issue) UnmarshalJSON(raw []byte) error {
	var w wireIssue
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	at, err := ParseTimestamp(w.ReportedAt)
	if err != nil {
		return fmt.Errorf("issue %q: %w", w.ID, err)
	}
	*i = Issue(w.issueAlias)
	i.ReportedAt = at
	return nil
}

// ParseTimestamp accepts RFC 3339 timestamps with any fractional precision.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", ErrInvalidTimestamp, s, err)
	}
	return t, nil
}

// Snapshot is the whole shared document. It is always replaced wholesale.
type Snapshot struct {
	Equipment []Equipment `json:"equipment"`
	Issues    []Issue     `json:"issues"`
}

// Clone returns a copy that shares no mutable state with s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Equipment: append([]Equipment{}, s.Equipment...),
		Issues:    make([]Issue, len(s.Issues)),
	}
	for i, issue := range s.Issues {
		if issue.CustomStatus != nil {
			cs := *issue.CustomStatus
			issue.CustomStatus = &cs
		}
		if issue.EstimatedMinutes != nil {
			m := *issue.EstimatedMinutes
			issue.EstimatedMinutes = &m
		}
		if issue.AssignedTo != nil {
			issue.AssignedTo = append([]string{}, issue.AssignedTo...)
		}
		out.Issues[i] = issue
	}
	return out
}

// Encode serializes the snapshot to its wire form. Missing sequences are sent as empty arrays.
func Encode(s Snapshot) (json.RawMessage, error) {
	if s.Equipment == nil {
		s.Equipment = []Equipment{}
	}
	if s.Issues == nil {
		s.Issues = []Issue{}
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return raw, nil
}

// Decode parses a wire payload. Any invalid issue fails the whole snapshot.
func Decode(raw []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if s.Equipment == nil {
		s.Equipment = []Equipment{}
	}
	if s.Issues == nil {
		s.Issues = []Issue{}
	}
	return s, nil
}

// Fingerprint identifies an encoded payload. Equal payload bytes give equal fingerprints.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
