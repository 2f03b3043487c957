package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voicesync/internal/session"
	"github.com/MrWong99/voicesync/pkg/provider/tts"
)

var (
	// ErrSessionNotFound is returned by [SessionManager.Close] for an unknown id.
	ErrSessionNotFound = errors.New("app: voice session not found")

	// ErrTooManySessions is returned by [SessionManager.Open] at capacity.
	ErrTooManySessions = errors.New("app: too many voice sessions")

	// ErrManagerClosed is returned by [SessionManager.Open] after CloseAll.
	ErrManagerClosed = errors.New("app: session manager is closed")
)

// SessionInfo holds metadata about an active voice session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// StartedAt is when the session was opened.
	StartedAt time.Time
}

type managedSession struct {
	voice *session.Voice
	info  SessionInfo
}

// SessionManager manages the lifecycle of voice sessions, one per connected
// client. All exported methods are safe for concurrent use.
type SessionManager struct {
	template    session.VoiceConfig
	maxSessions int

	mu       sync.Mutex
	sessions map[string]*managedSession
	tuning   *session.Tuning
	closed   bool
}

// SessionManagerConfig holds the dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Template is copied for every session. Its Sink and Emitter are
	// replaced by the ones passed to Open.
	Template session.VoiceConfig

	// MaxSessions caps concurrent sessions. Zero means no limit.
	MaxSessions int
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		template:    cfg.Template,
		maxSessions: cfg.MaxSessions,
		sessions:    make(map[string]*managedSession),
	}
}

// Open starts a voice session speaking through sink and reporting to
// emitter. The most recent [SessionManager.Tune] settings are applied to it.
func (sm *SessionManager) Open(ctx context.Context, sink tts.Sink, emitter session.Emitter) (*session.Voice, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return nil, ErrManagerClosed
	}
	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		return nil, fmt.Errorf("%w (limit %d)", ErrTooManySessions, sm.maxSessions)
	}

	cfg := sm.template
	cfg.Sink, cfg.Emitter = sink, emitter
	v, err := session.NewVoice(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if sm.tuning != nil {
		v.Tune(*sm.tuning)
	}

	sm.sessions[v.ID()] = &managedSession{
		voice: v,
		info:  SessionInfo{SessionID: v.ID(), StartedAt: time.Now().UTC()},
	}
	slog.Info("session manager: opened", "session", v.ID(), "active", len(sm.sessions))
	return v, nil
}

// Close ends the session with the given id.
func (sm *SessionManager) Close(id string) error {
	sm.mu.Lock()
	ms, ok := sm.sessions[id]
	delete(sm.sessions, id)
	remaining := len(sm.sessions)
	sm.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	err := ms.voice.Close()
	slog.Info("session manager: closed", "session", id, "active", remaining,
		"duration", time.Since(ms.info.StartedAt).Round(time.Second))
	return err
}

// Get returns the session with the given id, or nil.
func (sm *SessionManager) Get(id string) *session.Voice {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if ms, ok := sm.sessions[id]; ok {
		return ms.voice
	}
	return nil
}

// List returns metadata for every active session, oldest first.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	infos := make([]SessionInfo, 0, len(sm.sessions))
	for _, ms := range sm.sessions {
		infos = append(infos, ms.info)
	}
	sm.mu.Unlock()

	slices.SortFunc(infos, func(a, b SessionInfo) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), cmp.Compare(a.SessionID, b.SessionID))
	})
	return infos
}

// Len returns the number of active sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Tune applies t to every active session and to sessions opened later.
func (sm *SessionManager) Tune(t session.Tuning) {
	sm.mu.Lock()
	sm.tuning = &t
	voices := make([]*session.Voice, 0, len(sm.sessions))
	for _, ms := range sm.sessions {
		voices = append(voices, ms.voice)
	}
	sm.mu.Unlock()

	for _, v := range voices {
		v.Tune(t)
	}
	slog.Info("session manager: tuning applied", "sessions", len(voices))
}

// CloseAll ends every session and rejects further Opens.
func (sm *SessionManager) CloseAll() error {
	sm.mu.Lock()
	sm.closed = true
	all := sm.sessions
	sm.sessions = make(map[string]*managedSession)
	sm.mu.Unlock()

	var errs []error
	for id, ms := range all {
		if err := ms.voice.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
