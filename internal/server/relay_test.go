package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/history"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/registry"
)

var testEpoch = time.Date(2024, time.May, 1, 12, 30, 0, 0, time.Local)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPeer struct {
	id    string
	err   error
	delay time.Duration

	mu       sync.Mutex
	received [][]byte
}

func (p *recordingPeer) ID() string { return p.id }

func (p *recordingPeer) Send(payload []byte) error {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, payload)
	return nil
}

func (p *recordingPeer) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.received))
	for i, b := range p.received {
		out[i] = string(b)
	}
	return out
}

type relayFixture struct {
	relay    *Relay
	registry *registry.Registry
	store    *history.Store
	metrics  *metrics.Metrics
	clock    *clockwork.FakeClock
}

func newRelayFixture(t *testing.T, maxHistory int) relayFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testEpoch)
	m := metrics.NewUnregistered()
	store := history.NewStore("", maxHistory, history.WithClock(clock), history.WithMetrics(m))
	reg := registry.New()
	return relayFixture{
		relay:    NewRelay(reg, store, m, discardLogger()),
		registry: reg,
		store:    store,
		metrics:  m,
		clock:    clock,
	}
}

func newQueueClient(cfg Config) *Client {
	return NewClient(nil, "127.0.0.1:0", cfg, nil, discardLogger())
}

func drain(c *Client) []string {
	var out []string
	for {
		select {
		case msg := <-c.send:
			out = append(out, string(msg))
		default:
			return out
		}
	}
}

// TestBroadcastIsolatesFailingPeer verifies that one permanently failing
// recipient does not prevent delivery to the others.
func TestBroadcastIsolatesFailingPeer(t *testing.T) {
	f := newRelayFixture(t, 10)

	healthy := []*recordingPeer{{id: "a"}, {id: "b"}, {id: "c"}}
	broken := &recordingPeer{id: "broken", err: errors.New("transport gone")}
	for _, p := range healthy {
		require.NoError(t, f.registry.Register(p))
	}
	require.NoError(t, f.registry.Register(broken))

	delivered := f.relay.Broadcast([]byte("payload"))

	assert.Equal(t, 3, delivered)
	for _, p := range healthy {
		assert.Equal(t, []string{"payload"}, p.messages(), "peer %s", p.id)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BroadcastFailures))
	assert.Equal(t, 4, f.registry.Len(), "broadcaster must not unregister failed peers")
}

// TestBroadcastSendsConcurrently verifies that slow recipients are awaited
// together rather than one after another.
func TestBroadcastSendsConcurrently(t *testing.T) {
	f := newRelayFixture(t, 10)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, f.registry.Register(&recordingPeer{id: id, delay: 150 * time.Millisecond}))
	}

	start := time.Now()
	delivered := f.relay.Broadcast([]byte("x"))

	assert.Equal(t, 4, delivered)
	assert.Less(t, time.Since(start), 450*time.Millisecond)
}

func TestBroadcastWithNoPeers(t *testing.T) {
	f := newRelayFixture(t, 10)
	assert.Equal(t, 0, f.relay.Broadcast([]byte("x")))
}

func TestPublishStampsAppendsAndEchoesToSender(t *testing.T) {
	f := newRelayFixture(t, 10)
	sender := newQueueClient(DefaultConfig())
	other := newQueueClient(DefaultConfig())
	require.NoError(t, f.relay.Join(sender))
	require.NoError(t, f.relay.Join(other))

	msg := f.relay.Publish("hi")

	assert.Equal(t, "[2024-05-01 12:30:00] hi", msg.String())
	assert.Equal(t, []string{msg.String()}, drain(sender))
	assert.Equal(t, []string{msg.String()}, drain(other))
	assert.Equal(t, []history.Message{msg}, f.store.Recent(0))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesRelayed))
}

func TestJoinWithEmptyHistorySendsNothing(t *testing.T) {
	f := newRelayFixture(t, 10)
	c := newQueueClient(DefaultConfig())

	require.NoError(t, f.relay.Join(c))

	assert.Empty(t, drain(c))
	assert.Equal(t, 1, f.relay.ClientCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ActiveConnections))
}

// TestJoinSendsHistoryBeforeLaterBroadcasts verifies that the history frame
// carries exactly the recent window and precedes any later broadcast.
func TestJoinSendsHistoryBeforeLaterBroadcasts(t *testing.T) {
	f := newRelayFixture(t, 2)
	f.relay.Publish("one")
	f.clock.Advance(time.Second)
	f.relay.Publish("two")
	f.clock.Advance(time.Second)
	f.relay.Publish("three")
	want := history.Formatted(f.store.Recent(0))

	c := newQueueClient(DefaultConfig())
	require.NoError(t, f.relay.Join(c))
	f.clock.Advance(time.Second)
	f.relay.Publish("four")

	frames := drain(c)
	require.Len(t, frames, 2)

	var frame HistoryFrame
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &frame))
	assert.Equal(t, HistoryFrameType, frame.Type)
	assert.Equal(t, want, frame.Messages)
	assert.Equal(t, []string{
		"[2024-05-01 12:30:01] two",
		"[2024-05-01 12:30:02] three",
	}, frame.Messages)
	assert.Equal(t, "[2024-05-01 12:30:03] four", frames[1])
}

func TestJoinRejectsDuplicate(t *testing.T) {
	f := newRelayFixture(t, 10)
	c := newQueueClient(DefaultConfig())
	require.NoError(t, f.relay.Join(c))

	err := f.relay.Join(c)

	assert.ErrorIs(t, err, registry.ErrAlreadyRegistered)
	assert.Equal(t, 1, f.relay.ClientCount())
}

func TestLeaveIsIdempotent(t *testing.T) {
	f := newRelayFixture(t, 10)
	c := newQueueClient(DefaultConfig())
	stranger := newQueueClient(DefaultConfig())
	require.NoError(t, f.relay.Join(c))

	f.relay.Leave(c)
	f.relay.Leave(c)
	f.relay.Leave(stranger)

	assert.Equal(t, 0, f.relay.ClientCount())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ActiveConnections))
}

func TestPublishReachesOnlyRegisteredClients(t *testing.T) {
	f := newRelayFixture(t, 10)
	stays := newQueueClient(DefaultConfig())
	leaves := newQueueClient(DefaultConfig())
	require.NoError(t, f.relay.Join(stays))
	require.NoError(t, f.relay.Join(leaves))
	f.relay.Leave(leaves)

	f.relay.Publish("after leave")

	assert.Len(t, drain(stays), 1)
	assert.Empty(t, drain(leaves))
}

func TestConcurrentPublishMatchesHistoryOrder(t *testing.T) {
	f := newRelayFixture(t, 100)
	c := newQueueClient(DefaultConfig())
	require.NoError(t, f.relay.Join(c))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				f.relay.Publish(string(rune('a'+id)) + string(rune('0'+i)))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, history.Formatted(f.store.Recent(0)), drain(c))
}

func TestJoinAfterShutdownIsRejected(t *testing.T) {
	f := newRelayFixture(t, 10)
	require.NoError(t, f.relay.Shutdown(time.Second))

	err := f.relay.Join(newQueueClient(DefaultConfig()))

	assert.ErrorIs(t, err, ErrRelayClosed)
	assert.Equal(t, 0, f.relay.ClientCount())
}

func TestShutdownClosesRegisteredClients(t *testing.T) {
	f := newRelayFixture(t, 10)
	c := newQueueClient(DefaultConfig())
	require.NoError(t, f.relay.Join(c))

	require.NoError(t, f.relay.Shutdown(time.Second))

	select {
	case <-c.Done():
	default:
		t.Fatal("client was not closed by shutdown")
	}
}

func TestAttachAfterShutdownClosesClient(t *testing.T) {
	f := newRelayFixture(t, 10)
	require.NoError(t, f.relay.Shutdown(time.Second))

	c := newQueueClient(DefaultConfig())
	f.relay.Attach(c)

	select {
	case <-c.Done():
	default:
		t.Fatal("client attached after shutdown was not closed")
	}
	assert.Equal(t, 0, f.relay.ClientCount())
	assert.NoError(t, f.relay.Shutdown(time.Second))
}

// TestStalledClientDoesNotDelayOthers verifies that a client whose queue is
// full is dropped at once and the remaining clients keep receiving.
func TestStalledClientDoesNotDelayOthers(t *testing.T) {
	f := newRelayFixture(t, 10)
	cfg := DefaultConfig()
	cfg.SendBufferSize = 1
	stalled := newQueueClient(cfg)
	fast := newQueueClient(DefaultConfig())
	require.NoError(t, f.relay.Join(stalled))
	require.NoError(t, f.relay.Join(fast))

	start := time.Now()
	f.relay.Publish("one")
	f.relay.Publish("two")
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Equal(t, []string{
		"[2024-05-01 12:30:00] one",
		"[2024-05-01 12:30:00] two",
	}, drain(fast))

	select {
	case <-stalled.Done():
	default:
		t.Fatal("stalled client was not closed")
	}
	assert.Equal(t, []string{"[2024-05-01 12:30:00] one"}, drain(stalled))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BroadcastFailures))
}
