package connmgr

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
	failWrite bool
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return assertErr{}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.messages = append(f.messages, cp)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type assertErr struct{}

func (assertErr) Error() string { return "write failed" }

func TestConnectSendsConnectionAck(t *testing.T) {
	m := New(zerolog.Nop())
	tr := &fakeTransport{}
	m.Connect("client-1", tr)

	require.Eventually(t, func() bool { return tr.count() >= 1 }, time.Second, time.Millisecond)
}

func TestConnectReplacesExistingSessionForSameClientID(t *testing.T) {
	m := New(zerolog.Nop())
	old := &fakeTransport{}
	m.Connect("client-1", old)

	newer := &fakeTransport{}
	m.Connect("client-1", newer)

	assert.True(t, old.closed, "expected old transport to be closed on reconnect")
	assert.False(t, newer.closed)
}

func TestSubscribeAndBroadcast(t *testing.T) {
	m := New(zerolog.Nop())
	tr := &fakeTransport{}
	m.Connect("client-1", tr)
	ok := m.Subscribe("client-1", "stock.AAPL.1d")
	require.True(t, ok)

	sent := m.BroadcastToTopic("stock.AAPL.1d", map[string]any{"close": 100})
	assert.Equal(t, 1, sent)
}

func TestBroadcastIsolatesFailingClient(t *testing.T) {
	m := New(zerolog.Nop())
	good := &fakeTransport{}
	bad := &fakeTransport{failWrite: true}
	m.Connect("good", good)
	m.Connect("bad", bad)
	m.Subscribe("good", "stock.AAPL.1d")
	m.Subscribe("bad", "stock.AAPL.1d")

	sent := m.BroadcastToTopic("stock.AAPL.1d", "x")
	assert.Equal(t, 1, sent)

	// the failing client should have been disconnected; the good one stays
	assert.Equal(t, []string{"good"}, m.TopicSubscribers("stock.AAPL.1d"))
}

func TestUnsubscribeRemovesFromTopic(t *testing.T) {
	m := New(zerolog.Nop())
	tr := &fakeTransport{}
	m.Connect("client-1", tr)
	m.Subscribe("client-1", "stock.AAPL.1d")
	m.Unsubscribe("client-1", "stock.AAPL.1d")

	assert.Empty(t, m.TopicSubscribers("stock.AAPL.1d"))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	m := New(zerolog.Nop())
	tr := &fakeTransport{}
	m.Connect("client-1", tr)
	m.Disconnect("client-1")
	m.Disconnect("client-1") // must not panic
	assert.Equal(t, 0, m.ConnectionStats().ActiveConnections)
}

func TestConnectionStats(t *testing.T) {
	m := New(zerolog.Nop())
	m.Connect("c1", &fakeTransport{})
	m.Connect("c2", &fakeTransport{})
	m.Subscribe("c1", "stock.AAPL.1d")
	m.Subscribe("c2", "stock.AAPL.1d")

	stats := m.ConnectionStats()
	assert.Equal(t, 2, stats.ActiveConnections)
	assert.Equal(t, 1, stats.ActiveTopics)
}

func TestNewClientIDIsUnique(t *testing.T) {
	a := NewClientID()
	b := NewClientID()
	assert.NotEqual(t, a, b)
}
