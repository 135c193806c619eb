package reveal

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu      sync.Mutex
	updates map[string][]string
}

func newRecorder() *recorder {
	return &recorder{updates: map[string][]string{}}
}

func (r *recorder) record(id, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates[id] = append(r.updates[id], text)
}

func (r *recorder) last(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.updates[id]
	if len(u) == 0 {
		return ""
	}
	return u[len(u)-1]
}

func (r *recorder) all(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.updates[id]...)
}

func fastConfig() Config {
	return Config{Interval: time.Millisecond, MinStep: 1, CatchUpDivisor: 4}
}

func TestRevealsAllFragmentsThenGoesIdle(t *testing.T) {
	rec := newRecorder()
	c := NewController(fastConfig(), rec.record, nil)

	require.NoError(t, c.Start("m1"))
	assert.True(t, c.IsStreaming())
	assert.Equal(t, "m1", c.CurrentID())

	c.ProcessFragment("Hel")
	c.ProcessFragment("lo ")
	c.ProcessFragment("world")
	assert.Equal(t, "Hello world", c.Complete())
	assert.True(t, c.Draining())

	require.Eventually(t, func() bool { return !c.IsStreaming() }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "Hello world", rec.last("m1"))

	updates := rec.all("m1")
	for i := 1; i < len(updates); i++ {
		assert.True(t, strings.HasPrefix(updates[i], updates[i-1]), "increments must extend the previous text")
	}
}

func TestStartWhileActiveIsRejected(t *testing.T) {
	rec := newRecorder()
	c := NewController(fastConfig(), rec.record, nil)
	defer c.Stop()

	require.NoError(t, c.Start("first"))
	c.ProcessFragment("abc")

	err := c.Start("second")
	require.ErrorIs(t, err, ErrSessionActive)
	assert.Equal(t, "first", c.CurrentID())

	c.ProcessFragment("def")
	assert.Equal(t, "abcdef", c.Complete())
	require.Eventually(t, func() bool { return rec.last("first") == "abcdef" }, 2*time.Second, time.Millisecond)
	assert.Empty(t, rec.all("second"))
}

func TestStopCancelsImmediately(t *testing.T) {
	rec := newRecorder()
	c := NewController(Config{Interval: time.Hour}, rec.record, nil)

	require.NoError(t, c.Start("m1"))
	c.ProcessFragment("never shown")
	c.Stop()

	assert.False(t, c.IsStreaming())
	assert.Empty(t, c.CurrentID())
	assert.Empty(t, c.Complete())
	assert.Empty(t, rec.all("m1"))

	require.NoError(t, c.Start("m2"), "a stopped controller accepts a new session")
	c.Stop()
}

func TestFragmentsAfterCompleteAreDropped(t *testing.T) {
	rec := newRecorder()
	c := NewController(fastConfig(), rec.record, nil)

	require.NoError(t, c.Start("m1"))
	c.ProcessFragment("done")
	assert.Equal(t, "done", c.Complete())
	c.ProcessFragment(" late")

	require.Eventually(t, func() bool { return !c.IsStreaming() }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "done", rec.last("m1"))
}

func TestCompleteWithoutSession(t *testing.T) {
	c := NewController(fastConfig(), nil, nil)
	assert.Empty(t, c.Complete())
	c.ProcessFragment("ignored")
	c.Stop()
	assert.False(t, c.Draining())
}

func TestBurstCatchesUpInBoundedTicks(t *testing.T) {
	rec := newRecorder()
	c := NewController(Config{Interval: time.Millisecond, MinStep: 1, CatchUpDivisor: 2}, rec.record, nil)

	require.NoError(t, c.Start("m1"))
	c.ProcessFragment(strings.Repeat("x", 1024))
	c.Complete()

	require.Eventually(t, func() bool { return !c.IsStreaming() }, 2*time.Second, time.Millisecond)
	assert.Len(t, rec.last("m1"), 1024)
	assert.Less(t, len(rec.all("m1")), 64, "backlog/2 per tick drains 1KiB in a few dozen ticks")
}

func TestMultibyteFragmentsRevealWholeRunes(t *testing.T) {
	rec := newRecorder()
	c := NewController(fastConfig(), rec.record, nil)

	require.NoError(t, c.Start("m1"))
	c.ProcessFragment("héllo ")
	c.ProcessFragment("wörld")
	c.Complete()

	require.Eventually(t, func() bool { return !c.IsStreaming() }, 2*time.Second, time.Millisecond)
	for _, u := range rec.all("m1") {
		assert.True(t, strings.HasPrefix("héllo wörld", u))
	}
}
