package broadcast

import (
	"encoding/json"
	"time"
)

// Wire message types exchanged with the relay server.
const (
	TypeAuthenticate  = "authenticate"
	TypeAuthenticated = "authenticated"
	TypeSessionJoin   = "session:join"
	TypeSessionLeave  = "session:leave"
	TypeWorkoutUpdate = "workout_update"
	TypeError         = "error"
)

// Envelope is the framed wire message. Data is opaque to the link; for
// workout updates it carries the session snapshot.
type Envelope struct {
	Type     string          `json:"type"`
	SenderID string          `json:"sender_id,omitempty"`
	SentAt   time.Time       `json:"sent_at"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope of the given type, stamping sender and time.
// The payload is JSON-marshaled into Data; a nil payload leaves Data empty.
func NewEnvelope(msgType, senderID string, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:     msgType,
		SenderID: senderID,
		SentAt:   time.Now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return env, nil
}

// Encode serializes the envelope to a single frame.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a frame into an envelope.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// joinPayload is the body of session:join and session:leave messages.
type joinPayload struct {
	SessionID string `json:"session_id"`
}

// authPayload is the body of the authenticate handshake.
type authPayload struct {
	SenderID string `json:"sender_id"`
}
