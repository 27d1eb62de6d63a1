// Package connmgr implements the Connection Manager (C7): per-client_id
// session tracking, topic subscriptions, a heartbeat loop, and graceful
// replace-on-reconnect. Adapted line-for-line in spirit from
// original_source/backend/app/websocket/connection_manager.py's
// ConnectionManager, expressed with goroutines/channels/mutexes instead of
// asyncio tasks, and using gorilla/websocket the way the teacher's
// providers/kraken/websocket.go client does (ping cadence, close-code
// handling) but as a server-side transport instead of a client one.
package connmgr

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chronoretrace/marketdata/internal/stream/protocol"
	"github.com/chronoretrace/marketdata/internal/telemetry"
)

const (
	// heartbeatInterval matches the 30s cadence the teacher's
	// providers/kraken/websocket.go pingLoop uses.
	heartbeatInterval = 30 * time.Second
	// idleTimeout matches connection_manager.py's
	// cleanup_inactive_connections(timeout_minutes=5) default.
	idleTimeout = 5 * time.Minute
	// janitorSweepInterval is how often StartJanitor runs CleanupInactive.
	janitorSweepInterval = time.Minute
)

// Transport is the subset of *websocket.Conn the manager depends on, so
// tests can substitute an in-memory fake.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var _ Transport = (*websocket.Conn)(nil)

type session struct {
	clientID      string
	transport     Transport
	connectedAt   time.Time
	lastHeartbeat time.Time
	topics        map[string]struct{}
	stopHeartbeat chan struct{}
	closed        bool
}

// Manager tracks active sessions and their topic subscriptions, and
// fans data out to subscribers. It is the server-side analogue of
// ConnectionManager in connection_manager.py.
type Manager struct {
	mu sync.RWMutex

	sessions      map[string]*session           // client_id -> session
	subscriptions map[string]map[string]struct{} // topic -> set[client_id]

	log     zerolog.Logger
	metrics *telemetry.Metrics

	janitorStop chan struct{}
	wg          sync.WaitGroup
}

// New constructs an empty Manager.
func New(log zerolog.Logger) *Manager {
	return &Manager{
		sessions:      make(map[string]*session),
		subscriptions: make(map[string]map[string]struct{}),
		log:           log.With().Str("component", "connmgr").Logger(),
	}
}

// SetMetrics attaches a metrics bundle for connection-count and
// messages-sent recording. Safe to skip; a nil bundle disables recording.
func (m *Manager) SetMetrics(metrics *telemetry.Metrics) { m.metrics = metrics }

// Connect registers transport under clientID, first disconnecting any
// existing session for the same client_id (the reconnect-replace rule:
// the old transport is closed with code 1000 before the new one is
// accepted), then sends a connection_ack and starts the heartbeat loop.
func (m *Manager) Connect(clientID string, transport Transport) {
	m.mu.Lock()
	if existing, ok := m.sessions[clientID]; ok {
		m.disconnectLocked(clientID, existing)
	}

	sess := &session{
		clientID:      clientID,
		transport:     transport,
		connectedAt:   time.Now(),
		lastHeartbeat: time.Now(),
		topics:        make(map[string]struct{}),
		stopHeartbeat: make(chan struct{}),
	}
	m.sessions[clientID] = sess
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.WSConnections.Inc()
	}

	m.sendTo(sess, protocol.ConnectionAck{
		Envelope: protocol.Envelope{Type: protocol.TypeConnectionAck, Timestamp: time.Now()},
		ClientID: clientID,
	})

	go m.heartbeatLoop(sess)
}

// Disconnect closes and removes clientID's session, if present. Disconnect
// is idempotent — calling it twice, or calling it from within the
// heartbeat loop's own failure path, is safe.
func (m *Manager) Disconnect(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[clientID]
	if !ok {
		return
	}
	m.disconnectLocked(clientID, sess)
}

// DisconnectWithCode closes clientID's session with a specific WebSocket
// close code (e.g. websocket.ClosePolicyViolation for an invalid topic),
// instead of the default normal-closure code Disconnect/disconnectLocked
// use for ordinary teardown.
func (m *Manager) DisconnectWithCode(clientID string, code int, reason string) {
	m.mu.Lock()
	sess, ok := m.sessions[clientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if sess.closed {
		m.mu.Unlock()
		return
	}
	sess.closed = true
	close(sess.stopHeartbeat)
	_ = sess.transport.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = sess.transport.Close()
	if m.metrics != nil {
		m.metrics.WSConnections.Dec()
	}
	for topic := range sess.topics {
		if subs, ok := m.subscriptions[topic]; ok {
			delete(subs, clientID)
			if len(subs) == 0 {
				delete(m.subscriptions, topic)
			}
		}
	}
	delete(m.sessions, clientID)
	m.mu.Unlock()
}

// disconnectLocked performs the actual teardown; callers must hold mu.
// It does not recursively call Disconnect, mirroring
// connection_manager.py's _cleanup_connection avoiding re-entrant cleanup.
func (m *Manager) disconnectLocked(clientID string, sess *session) {
	if sess.closed {
		return
	}
	sess.closed = true
	close(sess.stopHeartbeat)
	_ = sess.transport.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = sess.transport.Close()
	if m.metrics != nil {
		m.metrics.WSConnections.Dec()
	}

	for topic := range sess.topics {
		if subs, ok := m.subscriptions[topic]; ok {
			delete(subs, clientID)
			if len(subs) == 0 {
				delete(m.subscriptions, topic)
			}
		}
	}
	delete(m.sessions, clientID)
}

// Subscribe adds clientID to topic's subscriber set and acks it. A topic
// that fails the "type.symbol.interval" grammar is rejected: the caller
// gets false and the connection is closed with code 1008 (policy
// violation) after an error frame, matching the strict topic validation
// the stream service's own parseTopic would otherwise fail silently on
// later.
func (m *Manager) Subscribe(clientID, topic string) bool {
	if !protocol.ValidTopic(topic) {
		m.sendToClientID(clientID, protocol.ErrorFrame{
			Envelope: protocol.Envelope{Type: protocol.TypeError, Timestamp: time.Now()},
			Code:     "invalid_topic",
			Message:  "topic must be of the form type.symbol.interval",
		})
		m.DisconnectWithCode(clientID, websocket.ClosePolicyViolation, "invalid topic")
		return false
	}

	m.mu.Lock()
	sess, ok := m.sessions[clientID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	sess.topics[topic] = struct{}{}
	if m.subscriptions[topic] == nil {
		m.subscriptions[topic] = make(map[string]struct{})
	}
	m.subscriptions[topic][clientID] = struct{}{}
	m.mu.Unlock()

	m.sendTo(sess, protocol.SubscribeAck{
		Envelope: protocol.Envelope{Type: protocol.TypeSubscribeAck, Timestamp: time.Now()},
		Topic:    topic,
	})
	return true
}

// Unsubscribe removes clientID from topic's subscriber set and acks it.
func (m *Manager) Unsubscribe(clientID, topic string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[clientID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(sess.topics, topic)
	if subs, ok := m.subscriptions[topic]; ok {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(m.subscriptions, topic)
		}
	}
	m.mu.Unlock()

	m.sendTo(sess, protocol.UnsubscribeAck{
		Envelope: protocol.Envelope{Type: protocol.TypeUnsubscribeAck, Timestamp: time.Now()},
		Topic:    topic,
	})
	return true
}

// Subscriptions returns the topics clientID's session currently has active.
func (m *Manager) Subscriptions(clientID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[clientID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(sess.topics))
	for t := range sess.topics {
		out = append(out, t)
	}
	return out
}

// SendSubscriptionsList answers a get_subscriptions request with clientID's
// current topic set.
func (m *Manager) SendSubscriptionsList(clientID string) {
	topics := m.Subscriptions(clientID)
	m.sendToClientID(clientID, protocol.SubscriptionsList{
		Envelope: protocol.Envelope{Type: protocol.TypeSubscriptionsList, Timestamp: time.Now()},
		Topics:   topics,
	})
}

// Pong answers a client ping.
func (m *Manager) Pong(clientID string) {
	m.sendToClientID(clientID, protocol.Pong{
		Envelope: protocol.Envelope{Type: protocol.TypePong, Timestamp: time.Now()},
	})
}

// Touch refreshes clientID's last-heartbeat timestamp from any inbound
// traffic (ping, heartbeat_response, subscribe, or any other frame), not
// just the server's own outbound heartbeat send. Without this, a client
// that never acks the server heartbeat but is otherwise chatty would be
// disconnected as idle regardless.
func (m *Manager) Touch(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[clientID]; ok {
		sess.lastHeartbeat = time.Now()
	}
}

func (m *Manager) sendToClientID(clientID string, frame any) bool {
	m.mu.RLock()
	sess, ok := m.sessions[clientID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return m.sendTo(sess, frame)
}

// TopicSubscribers returns the client IDs currently subscribed to topic.
func (m *Manager) TopicSubscribers(topic string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	subs := m.subscriptions[topic]
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

// BroadcastToTopic fans data out to every subscriber of topic, stamping
// the frame with topic and a timestamp the way
// connection_manager.py's broadcast_to_topic does. Delivery is
// best-effort and per-client isolated: one client's write failure
// disconnects only that client and does not interrupt delivery to the
// others. Returns the number of clients the frame was actually sent to.
func (m *Manager) BroadcastToTopic(topic string, data any) int {
	m.mu.RLock()
	subs := m.subscriptions[topic]
	targets := make([]*session, 0, len(subs))
	for clientID := range subs {
		if sess, ok := m.sessions[clientID]; ok {
			targets = append(targets, sess)
		}
	}
	m.mu.RUnlock()

	frame := protocol.DataFrame{
		Envelope: protocol.Envelope{Type: protocol.TypeData, Timestamp: time.Now()},
		Topic:    topic,
		Data:     data,
	}

	sent := 0
	for _, sess := range targets {
		if m.sendTo(sess, frame) {
			sent++
		} else {
			m.Disconnect(sess.clientID)
		}
	}
	if m.metrics != nil && sent > 0 {
		m.metrics.WSMessagesSent.Add(float64(sent))
	}
	return sent
}

func (m *Manager) sendTo(sess *session, frame any) bool {
	raw, err := json.Marshal(frame)
	if err != nil {
		m.log.Error().Err(err).Msg("marshal frame")
		return false
	}
	if err := sess.transport.WriteMessage(websocket.TextMessage, raw); err != nil {
		m.log.Debug().Str("client_id", sess.clientID).Err(err).Msg("write failed, disconnecting")
		return false
	}
	return true
}

func (m *Manager) heartbeatLoop(sess *session) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ok := m.sendTo(sess, protocol.Heartbeat{
				Envelope: protocol.Envelope{Type: protocol.TypeHeartbeat, Timestamp: time.Now()},
				ClientID: sess.clientID,
			})
			if !ok {
				m.Disconnect(sess.clientID)
				return
			}
		case <-sess.stopHeartbeat:
			return
		}
	}
}

// CleanupInactive disconnects every session whose last heartbeat is older
// than idleTimeout, matching
// connection_manager.py's cleanup_inactive_connections janitor sweep.
func (m *Manager) CleanupInactive() []string {
	m.mu.RLock()
	var stale []string
	now := time.Now()
	for clientID, sess := range m.sessions {
		if now.Sub(sess.lastHeartbeat) > idleTimeout {
			stale = append(stale, clientID)
		}
	}
	m.mu.RUnlock()

	for _, clientID := range stale {
		m.Disconnect(clientID)
	}
	return stale
}

// StartJanitor launches the background sweep that actually invokes
// CleanupInactive on a fixed cadence. Without this running, idle sessions
// are never reaped regardless of idleTimeout. Call StopJanitor to stop it.
func (m *Manager) StartJanitor() {
	m.janitorStop = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(janitorSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if stale := m.CleanupInactive(); len(stale) > 0 {
					m.log.Info().Int("count", len(stale)).Msg("janitor disconnected idle sessions")
				}
			case <-m.janitorStop:
				return
			}
		}
	}()
}

// StopJanitor stops the background sweep started by StartJanitor, blocking
// until it has exited. Safe to call even if StartJanitor was never called.
func (m *Manager) StopJanitor() {
	if m.janitorStop == nil {
		return
	}
	close(m.janitorStop)
	m.wg.Wait()
}

// Stats is a point-in-time snapshot of connection counts.
type Stats struct {
	ActiveConnections int
	ActiveTopics      int
}

// ConnectionStats mirrors get_connection_stats().
func (m *Manager) ConnectionStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{ActiveConnections: len(m.sessions), ActiveTopics: len(m.subscriptions)}
}

// NewClientID generates a fresh client identifier for a new transport that
// has not yet identified itself.
func NewClientID() string {
	return uuid.NewString()
}
