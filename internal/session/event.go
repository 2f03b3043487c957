package session

// Event types sent to a session's [Emitter].
const (
	EventSnapshot      = "snapshot"
	EventCommit        = "commit"
	EventFragment      = "fragment"
	EventResponseDone  = "response_done"
	EventPlaybackState = "playback_state"
	EventError         = "error"
)

// Event is one notification for the client driving a voice session. Only the
// fields relevant to Type are set.
type Event struct {
	Type string `json:"type"`

	// snapshot
	Finalized   string `json:"finalized,omitempty"`
	LivePreview string `json:"live_preview,omitempty"`

	// commit, fragment, response_done
	Content string `json:"content,omitempty"`

	// response_done
	Outcome     string  `json:"outcome,omitempty"`
	TTFCMillis  float64 `json:"ttfc_ms,omitempty"`
	TotalMillis float64 `json:"total_ms,omitempty"`

	// playback_state
	PlaybackID string `json:"playback_id,omitempty"`
	State      string `json:"state,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// Emitter receives session events. Emit is called from several goroutines
// and in order per source; it should not block.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to an [Emitter].
type EmitterFunc func(Event)

// Emit implements [Emitter].
func (f EmitterFunc) Emit(e Event) { f(e) }

type discardEmitter struct{}

func (discardEmitter) Emit(Event) {}
