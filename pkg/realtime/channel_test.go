package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsuite/opsync/internal/fakecloud"
	"github.com/opsuite/opsync/pkg/models"
)

type eventSink struct {
	mu     sync.Mutex
	events []models.RemoteEvent
}

func (s *eventSink) add(ev models.RemoteEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestStateTransitions(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateClosed, StateConnecting},
		{StateConnecting, StateOpen},
		{StateConnecting, StateClosed},
		{StateOpen, StateReconnecting},
		{StateOpen, StateClosed},
		{StateReconnecting, StateOpen},
		{StateReconnecting, StateClosed},
	}
	for _, tr := range allowed {
		got, err := tr.from.TransitionTo(tr.to)
		require.NoError(t, err, "%v -> %v", tr.from, tr.to)
		assert.Equal(t, tr.to, got)
	}

	denied := []struct{ from, to State }{
		{StateClosed, StateOpen},
		{StateClosed, StateReconnecting},
		{StateOpen, StateConnecting},
		{StateReconnecting, StateConnecting},
	}
	for _, tr := range denied {
		_, err := tr.from.TransitionTo(tr.to)
		assert.Error(t, err, "%v -> %v", tr.from, tr.to)
	}
}

func TestOpenDeliversEvents(t *testing.T) {
	fake := fakecloud.New()
	sink := &eventSink{}
	ch := New(Params{Service: fake, OnEvent: sink.add, CheckInterval: 10 * time.Millisecond})

	require.NoError(t, ch.Open(context.Background(), "co_1"))
	t.Cleanup(func() { _ = ch.Close() })
	assert.Equal(t, StateOpen, ch.State())

	fake.CommitRemote(models.Record{
		ID: "c1", CompanyID: "co_1", Kind: models.KindContact,
		Fields: map[string]any{"name": "Ada"},
	})
	assert.Equal(t, 1, sink.count())
}

func TestOpenTwiceFails(t *testing.T) {
	fake := fakecloud.New()
	ch := New(Params{Service: fake, CheckInterval: 10 * time.Millisecond})

	require.NoError(t, ch.Open(context.Background(), "co_1"))
	t.Cleanup(func() { _ = ch.Close() })
	assert.Error(t, ch.Open(context.Background(), "co_1"))
}

func TestCloseIsIdempotent(t *testing.T) {
	fake := fakecloud.New()
	ch := New(Params{Service: fake, CheckInterval: 10 * time.Millisecond})

	require.NoError(t, ch.Open(context.Background(), "co_1"))
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.Equal(t, StateClosed, ch.State())
	assert.Zero(t, fake.SubscriberCount())
}

func TestReconnectsAfterChannelLoss(t *testing.T) {
	fake := fakecloud.New()
	sink := &eventSink{}

	var resyncs int
	var mu sync.Mutex
	ch := New(Params{
		Service:       fake,
		OnEvent:       sink.add,
		CheckInterval: 5 * time.Millisecond,
		Resync: func(context.Context) error {
			mu.Lock()
			resyncs++
			mu.Unlock()
			return nil
		},
	})

	require.NoError(t, ch.Open(context.Background(), "co_1"))
	t.Cleanup(func() { _ = ch.Close() })

	fake.DropSubscriptions(errors.New("conn reset"))
	assert.Equal(t, StateReconnecting, ch.State())

	assert.Eventually(t, func() bool {
		return ch.State() == StateOpen && fake.SubscriberCount() == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.GreaterOrEqual(t, resyncs, 1, "recovery runs a sync cycle")
	mu.Unlock()

	// events flow again on the fresh subscription
	fake.CommitRemote(models.Record{
		ID: "c1", CompanyID: "co_1", Kind: models.KindContact,
		Fields: map[string]any{"name": "Ada"},
	})
	assert.Equal(t, 1, sink.count())
}

func TestLossAfterCloseIsIgnored(t *testing.T) {
	fake := fakecloud.New()
	ch := New(Params{Service: fake, CheckInterval: 10 * time.Millisecond})

	require.NoError(t, ch.Open(context.Background(), "co_1"))
	require.NoError(t, ch.Close())

	// a straggling transport error after teardown must not panic or reopen
	ch.channelLost(errors.New("late error"))
	assert.Equal(t, StateClosed, ch.State())
}
