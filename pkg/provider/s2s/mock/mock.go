// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to script the inbound event stream and inspect the audio frames
// the caller sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Type: s2s.EventOpened})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/tutorcall/pkg/audio"
	"github.com/MrWong99/tutorcall/pkg/provider/s2s"
)

// eventBuffer is the capacity of a Session's events channel.
const eventBuffer = 256

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the handle returned by Connect. If nil, Connect returns a new
	// Session, available afterwards via LastSession.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// AutoOpen makes Connect emit EventOpened on the returned session.
	AutoOpen bool

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	last *Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	sess := p.Session
	if sess == nil {
		sess = NewSession()
	}
	p.last = sess
	if p.AutoOpen {
		sess.Emit(s2s.Event{Type: s2s.EventOpened})
	}
	return sess, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// LastSession returns the session handed out by the most recent successful
// Connect, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle.
//
// Events pushed with Emit are delivered in order. A terminal event, or Close,
// closes the events channel, matching the real backends.
type Session struct {
	mu     sync.Mutex
	events chan s2s.Event
	ended  bool
	done   chan struct{}

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// BlockSends makes SendAudio hang until Close, like a stalled socket.
	BlockSends bool

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	sent       []audio.Blob
	closeCalls int
	blocked    int
	onSend     func(audio.Blob)
}

// NewSession returns a Session with a buffered events channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, eventBuffer), done: make(chan struct{})}
}

// Emit delivers ev to the consumer. It reports false once the stream has
// ended. Emit never blocks as long as fewer than eventBuffer events are
// pending.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.events <- ev
	if ev.Type.Terminal() {
		s.ended = true
		close(s.events)
	}
	return true
}

// End closes the events channel without a terminal event, as a connection that
// silently dies would.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.events)
	}
}

// OnSend registers fn to observe every successfully recorded frame.
func (s *Session) OnSend(fn func(audio.Blob)) {
	s.mu.Lock()
	s.onSend = fn
	s.mu.Unlock()
}

// SendAudio records a copy of blob and returns SendAudioErr. After the session
// ended it returns a wrapped s2s.ErrClosed.
func (s *Session) SendAudio(blob audio.Blob) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return fmt.Errorf("mock: send audio: %w", s2s.ErrClosed)
	}
	if s.SendAudioErr != nil {
		err := s.SendAudioErr
		s.mu.Unlock()
		return err
	}
	if s.BlockSends {
		s.blocked++
		s.mu.Unlock()
		<-s.done
		return fmt.Errorf("mock: send audio: %w", s2s.ErrClosed)
	}
	cp := audio.Blob{Data: append([]byte(nil), blob.Data...), MIMEType: blob.MIMEType}
	s.sent = append(s.sent, cp)
	fn := s.onSend
	s.mu.Unlock()
	if fn != nil {
		fn(cp)
	}
	return nil
}

// Events returns the ordered event stream.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close records the call, ends the stream and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.closeCalls == 1 {
		close(s.done)
	}
	if !s.ended {
		s.ended = true
		close(s.events)
	}
	return s.CloseErr
}

// Blocked returns how many SendAudio calls hung because of BlockSends.
func (s *Session) Blocked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

// Sent returns a copy of every frame passed to SendAudio.
func (s *Session) Sent() []audio.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Blob(nil), s.sent...)
}

// CloseCalls returns the number of Close invocations.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Ended reports whether the events channel has been closed.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
