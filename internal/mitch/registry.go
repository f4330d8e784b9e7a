package mitch

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Registry is an insertion-ordered collection of sessions with one active
// index. Sessions are keyed by radio address, so inserting a duplicate
// discovery of a known device is a no-op.
//
// The registry is single-writer by design: all mutation happens on the
// control loop that owns it. It takes no locks of its own.
type Registry struct {
	sessions *orderedmap.OrderedMap[string, *Session]
	active   int
	logger   *logrus.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		sessions: orderedmap.New[string, *Session](),
		logger:   logger,
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

// Insert appends a session. The active index is never altered by an
// insert. A session whose address is already registered is dropped (its
// wrapper closed best-effort) and Insert reports false.
func (r *Registry) Insert(s *Session) bool {
	if _, exists := r.sessions.Get(s.Addr()); exists {
		r.logger.WithFields(logrus.Fields{
			"name":    s.Name(),
			"address": s.Addr(),
		}).Debug("Ignoring duplicate discovery for registered device")
		_ = s.Close()
		return false
	}

	r.sessions.Set(s.Addr(), s)
	r.logger.WithFields(logrus.Fields{
		"name":    s.Name(),
		"address": s.Addr(),
		"total":   r.sessions.Len(),
	}).Info("Device registered")
	return true
}

// SelectNext moves the active index one slot forward, clamped to the last
// session. No-op on an empty registry.
func (r *Registry) SelectNext() {
	if r.sessions.Len() == 0 {
		return
	}
	if r.active < r.sessions.Len()-1 {
		r.active++
	}
}

// SelectPrev moves the active index one slot back, clamped to zero. No-op
// on an empty registry.
func (r *Registry) SelectPrev() {
	if r.active > 0 {
		r.active--
	}
}

// ActiveIndex returns the current active index.
func (r *Registry) ActiveIndex() int {
	return r.active
}

// Active returns the session at the active index. An empty registry is a
// loud error; callers are expected to guard with Len() first.
func (r *Registry) Active() (*Session, error) {
	if r.sessions.Len() == 0 {
		return nil, fmt.Errorf("registry is empty")
	}

	i := 0
	for pair := r.sessions.Oldest(); pair != nil; pair = pair.Next() {
		if i == r.active {
			return pair.Value, nil
		}
		i++
	}
	// active is clamped to [0, len-1] by every mutation, so this is
	// unreachable unless the invariant is broken.
	return nil, fmt.Errorf("active index %d out of range (%d sessions)", r.active, r.sessions.Len())
}

// Sessions returns a snapshot of all sessions in insertion order.
func (r *Registry) Sessions() []*Session {
	out := make([]*Session, 0, r.sessions.Len())
	for pair := r.sessions.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// RefreshAll polls every session, newest first. A failed poll is treated
// as a silently dropped link: the session gets a best-effort disconnect
// and iteration continues. Poll errors never propagate to the caller -
// this is the only place a poll failure causes a state transition.
func (r *Registry) RefreshAll(ctx context.Context) {
	for pair := r.sessions.Newest(); pair != nil; pair = pair.Prev() {
		s := pair.Value
		if err := s.PollState(ctx); err != nil {
			r.logger.WithFields(logrus.Fields{
				"name":  s.Name(),
				"error": err,
			}).Warn("Poll failed, assuming link lost")
			// The link is very likely gone already; the disconnect's own
			// failure is uninteresting.
			_ = s.Disconnect()
		}
	}
}

// Close tears down every session, attempting a disconnect for those still
// connected. Errors are logged, not returned.
func (r *Registry) Close() {
	for pair := r.sessions.Newest(); pair != nil; pair = pair.Prev() {
		if err := pair.Value.Close(); err != nil {
			r.logger.WithFields(logrus.Fields{
				"name":  pair.Value.Name(),
				"error": err,
			}).Warn("Failed to close session")
		}
	}
}
