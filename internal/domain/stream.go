package domain

// StreamChunk is one unit of an in-flight response: a text fragment, a
// terminal error, or the end of the stream.
type StreamChunk struct {
	Text string `json:"text,omitempty"`
	Err  error  `json:"-"`
	Done bool   `json:"done,omitempty"`
}

// ReplyState tracks a reply through the relay.
type ReplyState int

const (
	StateIdle ReplyState = iota
	StatePosted
	StateUpdating
	StateFinalized
	StateErrored
)

func (s ReplyState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePosted:
		return "posted"
	case StateUpdating:
		return "updating"
	case StateFinalized:
		return "finalized"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// ReplyTarget identifies where a reply is published.
type ReplyTarget struct {
	Channel  string
	ThreadTS string
}
