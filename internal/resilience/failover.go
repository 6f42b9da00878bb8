package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/tutorcall/pkg/provider/s2s"
)

// ErrAllFailed is returned by [Failover.Connect] when no member transport
// could open a session. It wraps the last member's error, so typed transport
// errors remain visible to [errors.As].
var ErrAllFailed = errors.New("resilience: all transports failed")

type member struct {
	name     string
	provider s2s.Provider
	breaker  *Breaker
}

// Failover connects through the first member transport whose breaker admits
// the call and whose Connect succeeds. Members are tried in the order they
// were added.
type Failover struct {
	cfg     BreakerConfig
	members []member
}

var _ s2s.Provider = (*Failover)(nil)

// NewFailover returns a Failover with primary as its first member. cfg is the
// template for every member's breaker; its Name is replaced by the member name.
func NewFailover(primaryName string, primary s2s.Provider, cfg BreakerConfig) *Failover {
	f := &Failover{cfg: cfg}
	f.Add(primaryName, primary)
	return f
}

// Add appends a fallback transport. It must not be called concurrently with
// Connect.
func (f *Failover) Add(name string, p s2s.Provider) {
	cfg := f.cfg
	cfg.Name = name
	f.members = append(f.members, member{name: name, provider: p, breaker: NewBreaker(cfg)})
}

// Connect implements [s2s.Provider]. Cancelling ctx stops the walk at once.
func (f *Failover) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var lastErr error
	for _, m := range f.members {
		var handle s2s.SessionHandle
		err := m.breaker.Do(ctx, func(ctx context.Context) error {
			h, err := m.provider.Connect(ctx, cfg)
			handle = h
			return err
		})
		if err == nil {
			if m.name != f.members[0].name {
				slog.Info("connected through fallback transport", "transport", m.name)
			}
			return handle, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			slog.Debug("skipping transport, circuit open", "transport", m.name)
			continue
		}
		slog.Warn("transport connect failed, trying next", "transport", m.name, "err", err)
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// Capabilities reports the primary transport's capabilities.
func (f *Failover) Capabilities() s2s.Capabilities {
	return f.members[0].provider.Capabilities()
}

// States returns each member's breaker state keyed by member name.
func (f *Failover) States() map[string]State {
	out := make(map[string]State, len(f.members))
	for _, m := range f.members {
		out[m.name] = m.breaker.State()
	}
	return out
}
