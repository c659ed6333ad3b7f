package dialog

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Participant identifies who authored a turn.
type Participant int

const (
	// Human is the person talking to the service.
	Human Participant = 0
	// Generated is a reply produced by the service.
	Generated Participant = 1
)

// ParticipantFromIndex converts a stored participant_index into a Participant.
// Zero is the human; every other value is read as a generated reply.
func ParticipantFromIndex(index int) Participant {
	if index == int(Human) {
		return Human
	}
	return Generated
}

// Index returns the participant_index persisted for this participant.
func (p Participant) Index() int {
	return int(p)
}

// Valid reports whether p is one of the two known participants.
func (p Participant) Valid() bool {
	return p == Human || p == Generated
}

func (p Participant) String() string {
	switch p {
	case Human:
		return "human"
	case Generated:
		return "generated"
	default:
		return "unknown"
	}
}

// Turn is a single persisted message inside a dialog.
type Turn struct {
	ID          uuid.UUID   `json:"id"`
	DialogID    uuid.UUID   `json:"dialog_id"`
	Text        string      `json:"text"`
	Participant Participant `json:"participant_index"`
	CreatedAt   time.Time   `json:"created_at"`
}

// NewTurn builds a turn with a fresh id.
func NewTurn(dialogID uuid.UUID, text string, participant Participant) Turn {
	return Turn{
		ID:          uuid.New(),
		DialogID:    dialogID,
		Text:        text,
		Participant: participant,
	}
}

// Validate checks the invariants a turn must satisfy before it is written.
func (t Turn) Validate() error {
	if t.ID == uuid.Nil {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if t.DialogID == uuid.Nil {
		return &ValidationError{Field: "dialog_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(t.Text) == "" {
		return &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if !t.Participant.Valid() {
		return &ValidationError{Field: "participant_index", Reason: "must be 0 or 1"}
	}
	return nil
}
