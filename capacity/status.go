package capacity

import (
	"fmt"
)

// =============================================================================
// STATUS - Closed lifecycle enum
// =============================================================================

// Status is the externally visible lifecycle state of a consolidation.
//
//	open ──▶ closing_soon ──▶ full          (derived from load and clock)
//	  ▲            │  ▲          │
//	  └────────────┘  └──────────┘          (demotion after a release)
//
//	open|closing_soon|full ──▶ cancelled    (operator, terminal)
//	open|closing_soon|full ──▶ in_transit ──▶ completed (terminal)
type Status uint8

const (
	StatusOpen Status = iota
	StatusClosingSoon
	StatusFull
	StatusInTransit
	StatusCompleted
	StatusCancelled
)

var statusNames = [...]string{
	StatusOpen:        "open",
	StatusClosingSoon: "closing_soon",
	StatusFull:        "full",
	StatusInTransit:   "in_transit",
	StatusCompleted:   "completed",
	StatusCancelled:   "cancelled",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus converts a stored or user-supplied name into a Status.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", name)}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Bookable reports whether new bookings may be admitted in this state.
func (s Status) Bookable() bool { return s == StatusOpen || s == StatusClosingSoon }

// Derivable reports whether the status is still driven by load and time.
// Once an operator has moved a consolidation past full it never regresses.
func (s Status) Derivable() bool {
	return s == StatusOpen || s == StatusClosingSoon || s == StatusFull
}

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// explicit lists the operator transitions accepted from each source state.
// Terminal states have no entry.
var explicit = map[Status][]Status{
	StatusOpen:        {StatusCancelled, StatusInTransit},
	StatusClosingSoon: {StatusCancelled, StatusInTransit},
	StatusFull:        {StatusCancelled, StatusInTransit},
	StatusInTransit:   {StatusCompleted},
}

// TransitionTo validates an explicit operator transition.
func (s Status) TransitionTo(target Status) (Status, error) {
	for _, allowed := range explicit[s] {
		if allowed == target {
			return target, nil
		}
	}
	return s, &TransitionError{From: s, To: target}
}
