// Package gateway fans broker notifications out to per-connection
// sessions, evicting any session that can't keep up.
package gateway

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/qaexchange/qax-core/pkg/notify"
)

// MaxConsecutiveDrops is how many back-to-back full-buffer sends a
// session tolerates before it is treated as slow and unregistered.
const MaxConsecutiveDrops = 5

// sessionBufferSize is the send buffer depth per registered session.
const sessionBufferSize = 128

type session struct {
	id     string
	userID string
	send   chan *notify.Notification
	drops  int
}

// Gateway holds one session_id -> sender mapping and dispatches
// notifications received from a broker subscription to the matching
// sessions for each notification's UserID.
type Gateway struct {
	mu       sync.Mutex
	sessions map[string]*session
	byUser   map[string][]string // userID -> session IDs

	broker *notify.Broker
	sub    notify.Subscriber

	stopCh chan struct{}
	logger zerolog.Logger
}

// New creates a Gateway bound to broker. It does not subscribe yet: Start
// subscribes globally so the gateway sees every notification and can
// route by UserID itself.
func New(broker *notify.Broker, logger zerolog.Logger) *Gateway {
	return &Gateway{
		sessions: make(map[string]*session),
		byUser:   make(map[string][]string),
		broker:   broker,
		stopCh:   make(chan struct{}),
		logger:   logger.With().Str("component", "gateway.Gateway").Logger(),
	}
}

// Start subscribes to the broker and begins dispatching.
func (g *Gateway) Start() {
	g.sub = g.broker.SubscribeGlobal()
	go g.run()
}

// Stop unsubscribes from the broker and halts dispatch.
func (g *Gateway) Stop() {
	close(g.stopCh)
	if g.sub != nil {
		g.broker.UnsubscribeGlobal(g.sub)
	}
}

// RegisterGateway registers a new session for userID, returning a
// channel the caller's connection handler reads dispatched notifications
// from.
func (g *Gateway) RegisterGateway(sessionID, userID string) <-chan *notify.Notification {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := &session{id: sessionID, userID: userID, send: make(chan *notify.Notification, sessionBufferSize)}
	g.sessions[sessionID] = s
	g.byUser[userID] = append(g.byUser[userID], sessionID)
	return s.send
}

// UnregisterGateway removes sessionID.
func (g *Gateway) UnregisterGateway(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unregisterLocked(sessionID)
}

func (g *Gateway) unregisterLocked(sessionID string) {
	s, ok := g.sessions[sessionID]
	if !ok {
		return
	}
	delete(g.sessions, sessionID)
	ids := g.byUser[s.userID]
	for i, id := range ids {
		if id == sessionID {
			g.byUser[s.userID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(g.byUser[s.userID]) == 0 {
		delete(g.byUser, s.userID)
	}
	close(s.send)
}

func (g *Gateway) run() {
	for {
		select {
		case <-g.stopCh:
			return
		case n, ok := <-g.sub:
			if !ok {
				return
			}
			g.dispatch(n)
		}
	}
}

func (g *Gateway) dispatch(n *notify.Notification) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, sessionID := range append([]string{}, g.byUser[n.UserID]...) {
		s, ok := g.sessions[sessionID]
		if !ok {
			continue
		}
		select {
		case s.send <- n:
			s.drops = 0
		default:
			s.drops++
			g.logger.Warn().Str("session_id", sessionID).Int("drops", s.drops).Msg("gateway session buffer full")
			if s.drops >= MaxConsecutiveDrops {
				g.logger.Warn().Str("session_id", sessionID).Msg("evicting slow session")
				g.unregisterLocked(sessionID)
			}
		}
	}
}

// ActiveSessions returns the currently registered session IDs.
func (g *Gateway) ActiveSessions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		out = append(out, id)
	}
	return out
}
