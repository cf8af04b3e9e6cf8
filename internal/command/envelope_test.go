// ABOUTME: Tests for command envelopes and answers.
// ABOUTME: Covers immutability, sequence allocation and answer helpers.

package command

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CopiesParams(t *testing.T) {
	params := map[string]any{"size": 10}
	env := New(KindCreateVolume, 3, time.Second, params)

	params["size"] = 20
	got := env.Params()
	assert.Equal(t, 10, got["size"])

	got["size"] = 30
	v, ok := env.Param("size")
	require.True(t, ok)
	assert.Equal(t, 10, v)
}

func TestNew_DefaultTimeout(t *testing.T) {
	env := New(KindPing, 1, 0, nil)
	assert.Equal(t, DefaultTimeout, env.Timeout())
	assert.NotNil(t, env.Params())
}

func TestNextSeq_UniqueUnderConcurrency(t *testing.T) {
	const n = 500
	seqs := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seqs <- New(KindPing, 1, time.Second, nil).Seq()
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool, n)
	for s := range seqs {
		assert.False(t, seen[s], "duplicate seq %d", s)
		seen[s] = true
	}
	assert.Len(t, seen, n)
}

func TestRouted_KeepsSeq(t *testing.T) {
	env := New(KindGetHostStats, 0, time.Second, map[string]any{"a": "b"})
	routed := env.Routed(7)

	assert.Equal(t, env.Seq(), routed.Seq())
	assert.Equal(t, int64(7), routed.HostID())
	assert.Equal(t, int64(0), env.HostID())
	assert.Equal(t, "b", String(routed.Params(), "a"))
}

func TestAnswerErr(t *testing.T) {
	env := New(KindDestroyVolume, 1, time.Second, nil)

	assert.NoError(t, Succeed(env, "ok", nil).Err())

	err := Fail(env, "disk busy").Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFailed)
	assert.Contains(t, err.Error(), "disk busy")
}

func TestInt64(t *testing.T) {
	m := map[string]any{
		"f":   float64(42),
		"i":   7,
		"i64": int64(9),
		"num": json.Number("12"),
		"s":   "nope",
	}
	assert.Equal(t, int64(42), Int64(m, "f"))
	assert.Equal(t, int64(7), Int64(m, "i"))
	assert.Equal(t, int64(9), Int64(m, "i64"))
	assert.Equal(t, int64(12), Int64(m, "num"))
	assert.Equal(t, int64(0), Int64(m, "s"))
	assert.Equal(t, int64(0), Int64(m, "missing"))
}
