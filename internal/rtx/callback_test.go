package rtx

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtxbridge/internal/config"
)

func TestCallbackExpiresExactlyOnce(t *testing.T) {
	ts := newTestSession(t, nil)
	s := ts.s
	sink, got := capture()
	cb := s.newCallback("q1", labelPositions, sink, config.TimeoutPosition)

	s.checkPendingResults(ts.now.Add(30 * time.Second))
	assert.Empty(t, *got, "not yet due")

	deadline := ts.now.Add(61 * time.Second)
	s.checkPendingResults(deadline)
	s.checkPendingResults(deadline.Add(time.Second))
	require.Len(t, *got, 1)
	assert.True(t, errors.Is((*got)[0].Err, ErrCallbackExpired))
	assert.Equal(t, labelPositions, (*got)[0].Label)
	assert.Empty(t, s.callbacks)

	// A late completion is reported, not delivered.
	cb.complete([]Row{})
	assert.Len(t, *got, 1)
	assert.True(t, ts.rec.has("rtx.error: q1 positions completed after timeout"))

	stat := s.stats.snapshot()[labelPositions]
	assert.Equal(t, 1, stat.Expired)
}

func TestCallbackCompletesOnce(t *testing.T) {
	ts := newTestSession(t, nil)
	s := ts.s
	sink, got := capture()
	cb := s.newCallback(s.id, labelSymbols, sink, "")

	cb.complete([]string{"AAPL"})
	cb.complete([]string{"MSFT"})
	cb.fail(errors.New("late"))

	require.Len(t, *got, 1)
	assert.Equal(t, []string{"AAPL"}, (*got)[0].Value)
	assert.True(t, cb.Done())
}

func TestUnknownLabelIsAnError(t *testing.T) {
	ts := newTestSession(t, nil)
	s := ts.s
	sink, got := capture()
	s.newCallback(s.id, "bogus", sink, "").complete(nil)

	require.Len(t, *got, 1)
	assert.True(t, errors.Is((*got)[0].Err, ErrUnknownLabel))
}

func TestSweepKeepsCallsAddedDuringExpiry(t *testing.T) {
	ts := newTestSession(t, nil)
	s := ts.s
	var second *Callback
	s.localCallback(s.id, labelTick, config.TimeoutTimer, nil, func(error) {
		second = s.localCallback(s.id, labelTick, config.TimeoutTimer, nil, nil)
	})

	s.checkPendingResults(ts.now.Add(time.Minute))
	require.NotNil(t, second)
	assert.Equal(t, []*Callback{second}, s.callbacks)
}

func TestCallbackStats(t *testing.T) {
	stats := make(callbackStats)
	stats.record("tick", 10*time.Millisecond, false)
	stats.record("tick", 30*time.Millisecond, true)

	st := stats.snapshot()["tick"]
	assert.Equal(t, 2, st.Count)
	assert.Equal(t, int64(10), st.Min)
	assert.Equal(t, int64(30), st.Max)
	assert.InDelta(t, 20.0, st.Avg, 0.001)
	assert.Equal(t, 1, st.Expired)
}
