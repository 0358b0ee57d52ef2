package live

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtxbridge/internal/domain"
)

func TestHubFanOutAndFilter(t *testing.T) {
	h := NewHub(10)
	_, all := h.Subscribe(8, nil)
	_, quotes := h.Subscribe(8, FlagFilter([]string{"quotes"}))
	_, plain := h.Subscribe(8, FlagFilter(nil))

	h.Broadcast(domain.Notification{Text: "rtx.time: 2024-03-12 11:00:00"})
	h.Broadcast(domain.Notification{Text: "rtx.quote.AAPL:1 2 3 4", Flag: "quotes"})
	h.Broadcast(domain.Notification{Text: "rtx.trade.AAPL:1 2 3", Flag: "trades"})

	assert.Len(t, all, 3)
	assert.Len(t, quotes, 2)
	assert.Len(t, plain, 1)

	evt := <-quotes
	assert.Equal(t, uint64(1), evt.Seq)
	evt = <-quotes
	assert.Equal(t, uint64(2), evt.Seq)
	assert.Equal(t, "quotes", evt.Flag)
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub(0)
	_, ch := h.Subscribe(1, nil)
	for range 3 {
		h.Broadcast(domain.Notification{Text: "x"})
	}
	assert.Len(t, ch, 1)
	assert.Equal(t, int64(2), h.Dropped())
	assert.Empty(t, h.History())
}

func TestHubHistoryBounded(t *testing.T) {
	h := NewHub(2)
	for _, txt := range []string{"a", "b", "c"} {
		h.Broadcast(domain.Notification{Text: txt})
	}
	hist := h.History()
	require.Len(t, hist, 2)
	assert.Equal(t, "b", hist[0].Text)
	assert.Equal(t, uint64(3), hist[1].Seq)
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(0)
	id, ch := h.Subscribe(1, nil)
	assert.Equal(t, 1, h.Subscribers())
	h.Unsubscribe(id)
	h.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers())

	// Broadcasting after the last subscriber left is harmless.
	h.Broadcast(domain.Notification{Text: "x"})
}
