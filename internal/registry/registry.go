// Package registry maps logical connection ids to the routing state
// needed to push frames back to a client. Entries are created when a
// connection is established and removed on disconnect or TTL expiry.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seanhagen/chatwire/internal/domain"
	"github.com/seanhagen/chatwire/internal/protocol"
)

// Sender pushes encoded frames down one client connection. The transport
// layer supplies it at registration time; the registry never touches the
// websocket package directly.
type Sender interface {
	Send(data []byte) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(data []byte) error

func (f SenderFunc) Send(data []byte) error { return f(data) }

// AuthContext is the pass/fail authentication result captured when the
// connection was established. Token validation itself happens upstream.
type AuthContext struct {
	UserID string
	Token  string
}

type entry struct {
	sender        Sender
	auth          AuthContext
	establishedAt time.Time
}

// Registry tracks live connections. Send on an unknown or stale id
// returns domain.ErrConnectionGone, which callers treat as terminal but
// non-fatal for the item in flight.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*entry
	ttl     time.Duration
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL expires entries that have been registered for longer than ttl.
// Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		conns:  make(map[string]*entry),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a connection. Registering an id twice replaces the old
// sender; the transport guarantees one writer per connection id.
func (r *Registry) Register(connectionID string, sender Sender, auth AuthContext) {
	r.mu.Lock()
	r.conns[connectionID] = &entry{
		sender:        sender,
		auth:          auth,
		establishedAt: time.Now(),
	}
	r.mu.Unlock()

	r.logger.Info("connection registered",
		slog.String("connection_id", connectionID),
		slog.String("user_id", auth.UserID),
	)
}

// Unregister removes a connection. Unknown ids are a no-op.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	_, ok := r.conns[connectionID]
	delete(r.conns, connectionID)
	r.mu.Unlock()

	if ok {
		r.logger.Info("connection unregistered", slog.String("connection_id", connectionID))
	}
}

// Auth returns the auth context captured at registration time.
func (r *Registry) Auth(connectionID string) (AuthContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connectionID]
	if !ok {
		return AuthContext{}, false
	}
	return e.auth, true
}

// Send encodes frame and pushes it to the named connection. A lookup
// miss, an expired entry, or a transport write failure all surface as
// domain.ErrConnectionGone; a write failure additionally drops the entry
// since the client is presumed gone.
func (r *Registry) Send(ctx context.Context, connectionID string, frame protocol.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	e, ok := r.conns[connectionID]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("send to %s: %w", connectionID, domain.ErrConnectionGone)
	}
	if r.ttl > 0 && time.Since(e.establishedAt) > r.ttl {
		r.Unregister(connectionID)
		return fmt.Errorf("send to %s: entry expired: %w", connectionID, domain.ErrConnectionGone)
	}

	data, err := protocol.Encode(frame)
	if err != nil {
		return fmt.Errorf("send to %s: %w", connectionID, err)
	}

	if err := e.sender.Send(data); err != nil {
		r.Unregister(connectionID)
		return fmt.Errorf("send to %s: %v: %w", connectionID, err, domain.ErrConnectionGone)
	}

	return nil
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Sweep drops entries older than the configured TTL. No-op when TTL is
// disabled. Returns the number of entries removed.
func (r *Registry) Sweep() int {
	if r.ttl <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	var expired []string
	for id, e := range r.conns {
		if e.establishedAt.Before(cutoff) {
			expired = append(expired, id)
			delete(r.conns, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.logger.Info("connection expired", slog.String("connection_id", id))
	}
	return len(expired)
}
