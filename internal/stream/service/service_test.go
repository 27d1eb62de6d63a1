package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronoretrace/marketdata/internal/model"
	"github.com/chronoretrace/marketdata/internal/symbol"
)

type fakeBroadcaster struct {
	subscribers map[string][]string
	broadcasts  []string
}

func (f *fakeBroadcaster) TopicSubscribers(topic string) []string {
	return f.subscribers[topic]
}

func (f *fakeBroadcaster) BroadcastToTopic(topic string, data any) int {
	f.broadcasts = append(f.broadcasts, topic)
	return len(f.subscribers[topic])
}

type fakeFetcher struct {
	rows map[string]model.OHLCVRow
}

func (f *fakeFetcher) Latest(ctx context.Context, sym symbol.Canonical, interval string) (model.OHLCVRow, error) {
	return f.rows[sym.Code], nil
}

func TestParseTopic(t *testing.T) {
	info, ok := parseTopic("stock.AAPL.1d")
	require.True(t, ok)
	assert.Equal(t, "stock", info.dataType)
	assert.Equal(t, "AAPL", info.symbol.Code)
	assert.Equal(t, "1d", info.interval)
}

func TestParseTopicRejectsMalformed(t *testing.T) {
	_, ok := parseTopic("stock.AAPL")
	assert.False(t, ok)
}

func TestStartStreamCreatesWorker(t *testing.T) {
	b := &fakeBroadcaster{subscribers: map[string][]string{"stock.AAPL.1d": {"c1"}}}
	f := &fakeFetcher{rows: map[string]model.OHLCVRow{"AAPL": {Close: 100}}}
	s := New(b, f, zerolog.Nop())

	s.HandleSubscriptionChange("stock.AAPL.1d", true)
	require.Eventually(t, func() bool { return len(s.ActiveTopics()) == 1 }, time.Second, time.Millisecond)
}

func TestTickBroadcastsOnlyWhenDataChanges(t *testing.T) {
	b := &fakeBroadcaster{subscribers: map[string][]string{"stock.AAPL.1d": {"c1"}}}
	f := &fakeFetcher{rows: map[string]model.OHLCVRow{"AAPL": {Close: 100}}}
	s := New(b, f, zerolog.Nop())

	info, _ := parseTopic("stock.AAPL.1d")
	w := &worker{topic: "stock.AAPL.1d"}

	s.tick(context.Background(), w, info)
	assert.Len(t, b.broadcasts, 1)

	// same data again: no new broadcast
	s.tick(context.Background(), w, info)
	assert.Len(t, b.broadcasts, 1)

	// data changes: broadcasts again
	f.rows["AAPL"] = model.OHLCVRow{Close: 105}
	s.tick(context.Background(), w, info)
	assert.Len(t, b.broadcasts, 2)
}

func TestStopStreamRemovesWorker(t *testing.T) {
	b := &fakeBroadcaster{subscribers: map[string][]string{"stock.AAPL.1d": {"c1"}}}
	f := &fakeFetcher{rows: map[string]model.OHLCVRow{"AAPL": {Close: 100}}}
	s := New(b, f, zerolog.Nop())

	s.startStream("stock.AAPL.1d")
	require.Len(t, s.ActiveTopics(), 1)

	s.stopStream("stock.AAPL.1d")
	assert.Empty(t, s.ActiveTopics())
}

func TestTopicFor(t *testing.T) {
	got := TopicFor("stock", symbol.New("AAPL"), "1d")
	assert.Equal(t, "stock.AAPL.1d", got)
}
