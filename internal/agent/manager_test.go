// ABOUTME: Tests for the agent Manager: resolution, timeouts, limits and rebinding.
// ABOUTME: Uses simulator channels and fake agent streams instead of real hosts.

package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cauldron/internal/command"
	"github.com/2389/cauldron/internal/store"
	"github.com/2389/cauldron/internal/workq"
)

func newTestManager(t *testing.T, s *store.MockStore, factories map[string]ChannelFactory) *Manager {
	t.Helper()
	m := NewManager(Config{
		Hosts:     s,
		Factories: factories,
		Workers:   4,
		Registry:  metrics.NewRegistry(),
	})
	t.Cleanup(func() {
		m.Shutdown(context.Background())
	})
	return m
}

func addHost(t *testing.T, s *store.MockStore, id int64, hypervisor string) {
	t.Helper()
	require.NoError(t, s.CreateHost(context.Background(), &store.Host{
		ID:         id,
		Name:       fmt.Sprintf("hv-%d", id),
		Hypervisor: hypervisor,
	}))
}

func simFactory(opts ...SimulatorOption) ChannelFactory {
	return ChannelFactoryFunc(func(ctx context.Context, host *store.Host) (Channel, error) {
		return NewSimulator(host.ID, opts...), nil
	})
}

func TestSend_UnknownHostIsUnavailable(t *testing.T) {
	s := store.NewMockStore()
	m := newTestManager(t, s, map[string]ChannelFactory{store.HypervisorSimulator: simFactory()})

	ans, err := m.Send(context.Background(), 99, command.New(command.KindPing, 99, time.Second, nil))
	assert.Nil(t, ans)
	assert.ErrorIs(t, err, ErrHostUnavailable)
	assert.Equal(t, int64(1), m.Stats().Host(99).Unavailable.Count())
}

func TestSend_AgentHostWithoutConnectionIsUnavailable(t *testing.T) {
	s := store.NewMockStore()
	addHost(t, s, 3, store.HypervisorAgent)
	m := newTestManager(t, s, map[string]ChannelFactory{store.HypervisorSimulator: simFactory()})

	_, err := m.Send(context.Background(), 3, command.New(command.KindPing, 3, time.Second, nil))
	assert.ErrorIs(t, err, ErrHostUnavailable)
}

func TestSend_OpensChannelOnFirstUse(t *testing.T) {
	s := store.NewMockStore()
	addHost(t, s, 1, store.HypervisorSimulator)

	var opens atomic.Int32
	factory := ChannelFactoryFunc(func(ctx context.Context, host *store.Host) (Channel, error) {
		opens.Add(1)
		// widen the race window for concurrent first use
		time.Sleep(10 * time.Millisecond)
		return NewSimulator(host.ID, WithMaxOutstanding(64)), nil
	})
	m := newTestManager(t, s, map[string]ChannelFactory{store.HypervisorSimulator: factory})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ans, err := m.Send(context.Background(), 1, command.New(command.KindPing, 1, time.Second, nil))
			assert.NoError(t, err)
			if ans != nil {
				assert.True(t, ans.Success)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), opens.Load(), "channel must be created once")
	assert.True(t, m.IsConnected(1))
}

func TestSend_TimesOutAndDiscardsLateAnswer(t *testing.T) {
	s := store.NewMockStore()
	m := newTestManager(t, s, nil)

	stream := newFakeStream()
	conn := NewConnection(ConnectionParams{HostID: 5, Name: "hv-5", MaxOutstanding: 2, Stream: stream})
	m.Bind(conn)

	env := command.New(command.KindCreateSnapshot, 5, 50*time.Millisecond, nil)

	start := time.Now()
	ans, err := m.Send(context.Background(), 5, env)
	elapsed := time.Since(start)

	assert.Nil(t, ans)
	assert.ErrorIs(t, err, ErrOperationTimedOut)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	// the server told the agent it stopped waiting
	sent := stream.sent()
	require.Len(t, sent, 2)
	require.NotNil(t, sent[1].Cancel)
	assert.Equal(t, env.Seq(), sent[1].Cancel.Seq)

	late := command.Succeed(env, "too late", nil)
	assert.False(t, conn.HandleAnswer(late), "late answer must be dropped")
	assert.Equal(t, 0, conn.Outstanding())
	assert.Equal(t, int64(1), m.Stats().Host(5).Timeouts.Count())
}

func TestSend_SilentSimulatorTimesOut(t *testing.T) {
	s := store.NewMockStore()
	addHost(t, s, 2, store.HypervisorSimulator)
	m := newTestManager(t, s, map[string]ChannelFactory{store.HypervisorSimulator: simFactory(WithSilence())})

	_, err := m.Send(context.Background(), 2, command.New(command.KindPing, 2, 30*time.Millisecond, nil))
	assert.ErrorIs(t, err, ErrOperationTimedOut)
}

func TestSend_RespectsMaxOutstanding(t *testing.T) {
	s := store.NewMockStore()
	addHost(t, s, 1, store.HypervisorSimulator)

	var running, peak atomic.Int32
	handler := func(env *command.Envelope) *command.Answer {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return command.Succeed(env, "", nil)
	}

	// the handler runs synchronously inside the timer callback, so each
	// dispatch occupies its slot until the handler returns
	factory := simFactory(WithMaxOutstanding(2), WithHandler(handler))
	m := newTestManager(t, s, map[string]ChannelFactory{store.HypervisorSimulator: factory})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Send(context.Background(), 1, command.New(command.KindPing, 1, 5*time.Second, nil))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	hosts := m.ListHosts()
	require.Len(t, hosts, 1)
	assert.Equal(t, 2, hosts[0].MaxOutstanding)
	assert.Equal(t, 0, hosts[0].Outstanding)
}

func TestSend_ContextCancelled(t *testing.T) {
	s := store.NewMockStore()
	m := newTestManager(t, s, nil)
	m.Bind(NewSimulator(4, WithSilence()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := m.Send(ctx, 4, command.New(command.KindPing, 4, 5*time.Second, nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSend_RoutesHostIndependentCommands(t *testing.T) {
	s := store.NewMockStore()
	m := newTestManager(t, s, nil)

	_, err := m.Send(context.Background(), 0, command.New(command.KindGetHostStats, 0, time.Second, nil))
	assert.ErrorIs(t, err, ErrHostUnavailable)

	m.Bind(NewSimulator(1))
	m.Bind(NewSimulator(2))

	for i := 0; i < 4; i++ {
		env := command.New(command.KindGetHostStats, 0, time.Second, nil)
		ans, err := m.Send(context.Background(), 0, env)
		require.NoError(t, err)
		assert.Equal(t, env.Seq(), ans.Seq)
		assert.True(t, ans.Success)
	}
	assert.Equal(t, int64(2), m.Stats().Host(1).Sent.Count())
	assert.Equal(t, int64(2), m.Stats().Host(2).Sent.Count())
}

func TestBind_RebindFailsOutstandingOnOldChannel(t *testing.T) {
	s := store.NewMockStore()
	m := newTestManager(t, s, nil)

	oldStream := newFakeStream()
	oldConn := NewConnection(ConnectionParams{HostID: 7, Name: "hv-7", Stream: oldStream})
	m.Bind(oldConn)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Send(context.Background(), 7, command.New(command.KindCreateVolume, 7, 5*time.Second, nil))
		errCh <- err
	}()
	require.Eventually(t, func() bool { return oldConn.Outstanding() == 1 }, time.Second, 5*time.Millisecond)

	newConn := NewConnection(ConnectionParams{HostID: 7, Name: "hv-7", Stream: newFakeStream()})
	m.Bind(newConn)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrHostUnavailable)
	case <-time.After(time.Second):
		t.Fatal("send on replaced connection did not fail")
	}
	assert.False(t, oldConn.Connected())

	// the old stream's teardown must not remove the new binding
	assert.False(t, m.Unbind(7, oldConn))
	assert.True(t, m.IsConnected(7))

	assert.True(t, m.Unbind(7, newConn))
	assert.False(t, m.IsConnected(7))
}

func TestListeners(t *testing.T) {
	s := store.NewMockStore()
	m := newTestManager(t, s, nil)

	var mu sync.Mutex
	var events []HostEvent
	var initial []int64
	m.RegisterForHostEvents(func(hostID int64, ev HostEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})
	m.RegisterForInitialConnects(func(hostID int64) {
		mu.Lock()
		defer mu.Unlock()
		initial = append(initial, hostID)
	})

	first := NewSimulator(3)
	m.Bind(first)
	// rebind of a connected host is not a transition
	second := NewSimulator(3)
	m.Bind(second)
	require.True(t, m.Unbind(3, second))
	m.Bind(NewSimulator(3))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []HostEvent{HostConnected, HostDisconnected, HostConnected}, events)
	assert.Equal(t, []int64{3}, initial)
}

func TestListeners_SlowListenerDoesNotBlock(t *testing.T) {
	s := store.NewMockStore()
	m := newTestManager(t, s, nil)

	block := make(chan struct{})
	defer close(block)
	m.RegisterForHostEvents(func(int64, HostEvent) { <-block })

	done := make(chan struct{})
	go func() {
		m.Bind(NewSimulator(1))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Bind blocked on a slow listener")
	}
}

func TestSendAsync(t *testing.T) {
	s := store.NewMockStore()
	m := newTestManager(t, s, nil)
	m.Bind(NewSimulator(1))
	m.Bind(NewSimulator(2, WithSilence()))

	type outcome struct {
		ans *command.Answer
		err error
	}
	results := make(chan outcome, 2)
	cb := func(ans *command.Answer, err error) { results <- outcome{ans, err} }

	okEnv := command.New(command.KindPing, 1, time.Second, nil)
	require.NoError(t, m.SendAsync(1, okEnv, cb))

	got := <-results
	require.NoError(t, got.err)
	assert.True(t, got.ans.Success)
	assert.Equal(t, okEnv.Seq(), got.ans.Seq)

	slowEnv := command.New(command.KindPing, 2, 20*time.Millisecond, nil)
	require.NoError(t, m.SendAsync(2, slowEnv, cb))

	got = <-results
	assert.ErrorIs(t, got.err, ErrOperationTimedOut)
	require.NotNil(t, got.ans, "timeout substitutes a failure answer")
	assert.False(t, got.ans.Success)
	assert.Equal(t, slowEnv.Seq(), got.ans.Seq)
}

func TestSendAsync_ReturnsImmediately(t *testing.T) {
	s := store.NewMockStore()
	m := newTestManager(t, s, nil)
	m.Bind(NewSimulator(1, WithDelay(200*time.Millisecond)))

	done := make(chan struct{})
	start := time.Now()
	require.NoError(t, m.SendAsync(1, command.New(command.KindPing, 1, time.Second, nil), func(*command.Answer, error) {
		close(done)
	}))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	<-done
}

func TestShutdown_ClosesChannels(t *testing.T) {
	m := NewManager(Config{Registry: metrics.NewRegistry()})
	sim := NewSimulator(1)
	m.Bind(sim)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, sim.Connected())
	assert.Empty(t, m.ListHosts())

	err := m.SendAsync(1, command.New(command.KindPing, 1, time.Second, nil), func(*command.Answer, error) {})
	assert.ErrorIs(t, err, workq.ErrPoolClosed)
}
