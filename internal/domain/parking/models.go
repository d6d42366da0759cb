package parking

import (
	"fmt"
	"strings"
	"time"
)

type Lane string

const (
	LaneEntry Lane = "ENTRY"
	LaneExit  Lane = "EXIT"
)

func ParseLane(s string) (Lane, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ENTRY", "IN":
		return LaneEntry, nil
	case "EXIT", "OUT":
		return LaneExit, nil
	}
	return "", fmt.Errorf("unknown lane %q", s)
}

// Slug is the lower-case form used in topics and URLs.
func (l Lane) Slug() string {
	return strings.ToLower(string(l))
}

type CandidatePlate struct {
	Plate      string    `json:"plate"`
	ObservedAt time.Time `json:"observed_at"`
}

type EntryState string

const (
	StateParked   EntryState = "PARKED"
	StateDeparted EntryState = "DEPARTED"
)

type LedgerEntry struct {
	ID        string     `json:"id"`
	Plate     string     `json:"plate"`
	EntryTime time.Time  `json:"entry_time"`
	ExitTime  *time.Time `json:"exit_time,omitempty"`
	State     EntryState `json:"state"`
}

type OutcomeKind int

const (
	OutcomeEntryRecorded OutcomeKind = iota + 1
	OutcomeAlreadyParked
	OutcomeExitRecorded
	OutcomeUnknownOrAlreadyExited
	OutcomeUnauthorized
	OutcomeFailed
)

var outcomeNames = map[OutcomeKind]string{
	OutcomeEntryRecorded:          "ENTRY_RECORDED",
	OutcomeAlreadyParked:          "ALREADY_PARKED",
	OutcomeExitRecorded:           "EXIT_RECORDED",
	OutcomeUnknownOrAlreadyExited: "UNKNOWN_OR_ALREADY_EXITED",
	OutcomeUnauthorized:           "UNAUTHORIZED",
	OutcomeFailed:                 "FAILED",
}

func (k OutcomeKind) String() string {
	if name, ok := outcomeNames[k]; ok {
		return name
	}
	return fmt.Sprintf("OUTCOME_%d", int(k))
}

func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *OutcomeKind) UnmarshalText(text []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(text)))
	for kind, n := range outcomeNames {
		if n == name {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", string(text))
}

// Outcome is the result of handing a winning plate to the ledger.
type Outcome struct {
	Kind  OutcomeKind `json:"kind"`
	Lane  Lane        `json:"lane"`
	Plate string      `json:"plate"`
	At    time.Time   `json:"at"`
	// Since is the entry time of the already open row for AlreadyParked.
	Since *time.Time `json:"since,omitempty"`
	Owner string     `json:"owner,omitempty"`
	Err   error      `json:"-"`
}

// Committed reports whether the ledger reached a business decision for the plate.
// Unauthorized and Failed outcomes leave the vehicle eligible for another attempt.
func (o Outcome) Committed() bool {
	switch o.Kind {
	case OutcomeEntryRecorded, OutcomeAlreadyParked, OutcomeExitRecorded, OutcomeUnknownOrAlreadyExited:
		return true
	}
	return false
}

func (o Outcome) Message() string {
	switch o.Kind {
	case OutcomeEntryRecorded:
		if o.Owner != "" {
			return fmt.Sprintf("Hello %s!", o.Owner)
		}
		return "Welcome!"
	case OutcomeAlreadyParked:
		if o.Since != nil {
			return fmt.Sprintf("Already parked (since %s)", o.Since.Format("15:04:05"))
		}
		return "Already parked"
	case OutcomeExitRecorded:
		return "Goodbye!"
	case OutcomeUnknownOrAlreadyExited:
		return "Not found"
	case OutcomeUnauthorized:
		return "Badge required"
	case OutcomeFailed:
		return "Ledger unavailable"
	}
	return ""
}

type Highlight string

const (
	HighlightIdle     Highlight = "idle"
	HighlightScanning Highlight = "scanning"
	HighlightAccepted Highlight = "accepted"
	HighlightRejected Highlight = "rejected"
)

type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (b BoundingBox) Area() int {
	return b.Width * b.Height
}

type DisplayState struct {
	Plate     string       `json:"plate"`
	Message   string       `json:"message"`
	Highlight Highlight    `json:"highlight"`
	Box       *BoundingBox `json:"box,omitempty"`
}

// Equal compares by value, including the box.
func (d DisplayState) Equal(o DisplayState) bool {
	if d.Plate != o.Plate || d.Message != o.Message || d.Highlight != o.Highlight {
		return false
	}
	if d.Box == nil || o.Box == nil {
		return d.Box == nil && o.Box == nil
	}
	return *d.Box == *o.Box
}

// AccessEvent is the audit record appended for every dispatched outcome.
type AccessEvent struct {
	ID        string                 `json:"id"`
	Lane      Lane                   `json:"lane"`
	Plate     string                 `json:"plate"`
	Outcome   string                 `json:"outcome"`
	Message   string                 `json:"message"`
	DecidedAt time.Time              `json:"decided_at"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

type Owner struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Badges []string `json:"badges"`
	Plates []string `json:"plates"`
}
