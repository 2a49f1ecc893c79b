package pipeline

import "time"

type EventKind string

const (
	EventResponse  EventKind = "response"
	EventFactAdded EventKind = "fact_added"
	EventMode      EventKind = "mode"
)

// Event is the pipeline's output, one per completed turn.
type Event struct {
	Kind          EventKind `json:"type"`
	TurnID        string    `json:"turn_id"`
	SessionID     string    `json:"session_id"`
	InteractionID string    `json:"interaction_id,omitempty"`
	Route         Route     `json:"route,omitempty"`
	Transcript    string    `json:"transcript,omitempty"`
	Intent        string    `json:"intent,omitempty"`
	Certainty     *float64  `json:"certainty,omitempty"`
	Response      string    `json:"response,omitempty"`
	OpenURL       string    `json:"open_url,omitempty"`
	Spoken        bool      `json:"spoken"`
	FactID        string    `json:"fact_id,omitempty"`
	// Mode events
	Mode    string    `json:"mode,omitempty"`
	Enabled bool      `json:"enabled,omitempty"`
	At      time.Time `json:"at"`
}
