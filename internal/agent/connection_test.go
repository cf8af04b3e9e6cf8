// ABOUTME: Tests for Connection's pending table and stream handling.
// ABOUTME: Provides the fakeStream used across the agent package tests.

package agent

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cauldron/internal/command"
	"github.com/2389/cauldron/internal/wire"
)

// fakeStream records outbound messages and can be told to fail.
type fakeStream struct {
	mu   sync.Mutex
	msgs []*wire.ServerMessage
	err  error
}

func newFakeStream() *fakeStream {
	return &fakeStream{}
}

func (f *fakeStream) Send(msg *wire.ServerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeStream) sent() []*wire.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*wire.ServerMessage(nil), f.msgs...)
}

func newTestConnection(stream *fakeStream) *Connection {
	return NewConnection(ConnectionParams{HostID: 1, Name: "hv-1", Version: "1.0", Stream: stream})
}

func TestConnection_DispatchAndAnswer(t *testing.T) {
	stream := newFakeStream()
	conn := newTestConnection(stream)

	env := command.New(command.KindCreateVolume, 1, time.Second, map[string]any{"size_gb": 10})
	answers, err := conn.Dispatch(env)
	require.NoError(t, err)
	assert.Equal(t, 1, conn.Outstanding())

	sent := stream.sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Command)
	assert.Equal(t, env.Seq(), sent[0].Command.Seq())

	assert.True(t, conn.HandleAnswer(command.Succeed(env, "ok", map[string]any{"path": "/pool/1/x"})))

	select {
	case ans := <-answers:
		assert.True(t, ans.Success)
		assert.Equal(t, "/pool/1/x", ans.Result["path"])
	case <-time.After(time.Second):
		t.Fatal("answer not delivered")
	}
	assert.Equal(t, 0, conn.Outstanding())

	// a duplicate answer for the same seq is discarded
	assert.False(t, conn.HandleAnswer(command.Succeed(env, "again", nil)))
}

func TestConnection_DefaultsMaxOutstanding(t *testing.T) {
	conn := newTestConnection(newFakeStream())
	assert.Equal(t, DefaultMaxOutstanding, conn.MaxOutstanding())
	assert.Equal(t, int64(1), conn.HostID())
	assert.Equal(t, "hv-1", conn.Name())
	assert.Equal(t, "1.0", conn.Version())
}

func TestConnection_UnknownAnswerDiscarded(t *testing.T) {
	conn := newTestConnection(newFakeStream())
	assert.False(t, conn.HandleAnswer(&command.Answer{Seq: 424242, Kind: command.KindPing, Success: true}))
}

func TestConnection_DuplicateSeqRejected(t *testing.T) {
	conn := newTestConnection(newFakeStream())
	env := command.New(command.KindPing, 1, time.Second, nil)

	_, err := conn.Dispatch(env)
	require.NoError(t, err)
	_, err = conn.Dispatch(env)
	assert.Error(t, err)
	assert.Equal(t, 1, conn.Outstanding())
}

func TestConnection_SendFailureEvicts(t *testing.T) {
	stream := newFakeStream()
	stream.err = errors.New("stream broken")
	conn := newTestConnection(stream)

	_, err := conn.Dispatch(command.New(command.KindPing, 1, time.Second, nil))
	assert.ErrorContains(t, err, "stream broken")
	assert.Equal(t, 0, conn.Outstanding())
}

func TestConnection_CancelEvictsAndNotifiesAgent(t *testing.T) {
	stream := newFakeStream()
	conn := newTestConnection(stream)
	env := command.New(command.KindPing, 1, time.Second, nil)

	_, err := conn.Dispatch(env)
	require.NoError(t, err)

	conn.Cancel(env.Seq())
	assert.Equal(t, 0, conn.Outstanding())

	// cancelling an evicted seq sends nothing more
	conn.Cancel(env.Seq())

	sent := stream.sent()
	require.Len(t, sent, 2)
	require.NotNil(t, sent[1].Cancel)
	assert.Equal(t, env.Seq(), sent[1].Cancel.Seq)
}

func TestConnection_CloseFailsPending(t *testing.T) {
	conn := newTestConnection(newFakeStream())

	envA := command.New(command.KindCreateVolume, 1, time.Second, nil)
	envB := command.New(command.KindCreateSnapshot, 1, time.Second, nil)
	chA, err := conn.Dispatch(envA)
	require.NoError(t, err)
	chB, err := conn.Dispatch(envB)
	require.NoError(t, err)

	conn.Close("agent went away")
	conn.Close("again")

	for _, tc := range []struct {
		ch  <-chan *command.Answer
		env *command.Envelope
	}{{chA, envA}, {chB, envB}} {
		ans := <-tc.ch
		assert.True(t, ans.Disconnected)
		assert.False(t, ans.Success)
		assert.Equal(t, tc.env.Seq(), ans.Seq)
		assert.Equal(t, tc.env.Kind(), ans.Kind)
		assert.Contains(t, ans.Details, "agent went away")
	}

	assert.False(t, conn.Connected())
	select {
	case <-conn.Done():
	default:
		t.Fatal("Done not closed")
	}

	_, err = conn.Dispatch(command.New(command.KindPing, 1, time.Second, nil))
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestConnection_ConcurrentDispatch(t *testing.T) {
	stream := newFakeStream()
	conn := NewConnection(ConnectionParams{HostID: 1, MaxOutstanding: 64, Stream: stream})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env := command.New(command.KindPing, 1, time.Second, nil)
			answers, err := conn.Dispatch(env)
			if !assert.NoError(t, err) {
				return
			}
			conn.HandleAnswer(command.Succeed(env, "pong", nil))
			ans := <-answers
			assert.Equal(t, env.Seq(), ans.Seq)
		}()
	}
	wg.Wait()

	assert.Len(t, stream.sent(), 50)
	assert.Equal(t, 0, conn.Outstanding())
}
