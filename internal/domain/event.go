package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope types delivered by the platform's events endpoint.
const (
	EnvelopeURLVerification = "url_verification"
	EnvelopeEventCallback   = "event_callback"
)

// Inner event types the relay reacts to.
const (
	EventAppMention = "app_mention"
	EventMessage    = "message"

	// SubtypeFileShare marks a user message carrying uploads.
	SubtypeFileShare = "file_share"
)

// Envelope is the outer webhook payload.
type Envelope struct {
	Type      string     `json:"type"`
	Challenge string     `json:"challenge,omitempty"`
	APIAppID  string     `json:"api_app_id,omitempty"`
	TeamID    string     `json:"team_id,omitempty"`
	EventID   string     `json:"event_id,omitempty"`
	Event     *wireEvent `json:"event,omitempty"`
}

type wireEvent struct {
	Type     string     `json:"type"`
	Subtype  string     `json:"subtype,omitempty"`
	Channel  string     `json:"channel"`
	TS       string     `json:"ts"`
	ThreadTS string     `json:"thread_ts,omitempty"`
	Text     string     `json:"text"`
	User     string     `json:"user,omitempty"`
	BotID    string     `json:"bot_id,omitempty"`
	AppID    string     `json:"app_id,omitempty"`
	Files    []wireFile `json:"files,omitempty"`
}

type wireFile struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MIMEType   string `json:"mimetype"`
	URLPrivate string `json:"url_private"`
	Size       int64  `json:"size"`
}

// ParseEnvelope decodes a webhook body. Malformed JSON is ErrInvalidEvent.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, NewDomainError("ParseEnvelope", ErrInvalidEvent, err.Error())
	}
	return &env, nil
}

// IsChallenge reports whether the envelope is a handshake that must be
// echoed back without further processing.
func (e *Envelope) IsChallenge() bool {
	return e.Challenge != ""
}

// Inbound converts the envelope into a validated InboundEvent.
func (e *Envelope) Inbound() (InboundEvent, error) {
	if e.Event == nil {
		return InboundEvent{}, NewDomainError("Envelope.Inbound", ErrInvalidEvent, "missing event")
	}
	w := e.Event
	ev := InboundEvent{
		AppID:    e.APIAppID,
		EventID:  e.EventID,
		Type:     w.Type,
		Subtype:  w.Subtype,
		Channel:  w.Channel,
		TS:       w.TS,
		ThreadTS: w.ThreadTS,
		Text:     w.Text,
		User:     w.User,
		BotID:    w.BotID,
	}
	for _, f := range w.Files {
		ev.Files = append(ev.Files, Attachment{
			Name:     f.Name,
			MIMEType: f.MIMEType,
			URL:      f.URLPrivate,
			Size:     f.Size,
		})
	}
	if err := ev.Validate(); err != nil {
		return InboundEvent{}, err
	}
	return ev, nil
}

// InboundEvent is a parsed and validated chat event.
type InboundEvent struct {
	AppID    string
	EventID  string
	Type     string
	Subtype  string
	Channel  string
	TS       string
	ThreadTS string
	Text     string
	User     string
	BotID    string
	Files    []Attachment
}

// Validate rejects events missing the fields every reply depends on.
func (e InboundEvent) Validate() error {
	var missing []string
	if e.Type == "" {
		missing = append(missing, "type")
	}
	if e.Channel == "" {
		missing = append(missing, "channel")
	}
	if e.TS == "" {
		missing = append(missing, "ts")
	}
	if e.User == "" && e.BotID == "" {
		missing = append(missing, "user")
	}
	if len(missing) > 0 {
		return NewDomainError("InboundEvent.Validate", ErrInvalidEvent,
			fmt.Sprintf("missing %s", strings.Join(missing, ", ")))
	}
	return nil
}

// ConversationKey groups turns of one thread: the thread root timestamp, or
// the event's own timestamp when it starts a new thread.
func (e InboundEvent) ConversationKey() string {
	if e.ThreadTS != "" {
		return e.ThreadTS
	}
	return e.TS
}

// Actionable reports whether the event should produce a reply. Bot-authored
// messages and edit/delete notifications are ignored.
func (e InboundEvent) Actionable() bool {
	if e.BotID != "" {
		return false
	}
	if e.Subtype != "" && e.Subtype != SubtypeFileShare {
		return false
	}
	return e.Type == EventAppMention || e.Type == EventMessage
}
