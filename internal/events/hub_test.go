package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_TenantScopedFanOut(t *testing.T) {
	hub := NewHub()

	subA1 := hub.Subscribe("tenant-a")
	subA2 := hub.Subscribe("tenant-a")
	subB := hub.Subscribe("tenant-b")

	hub.Publish("tenant-a", "artifact:approved", map[string]any{"artifact_id": "a-1"})

	for _, sub := range []*Subscription{subA1, subA2} {
		msg := <-sub.C
		assert.Equal(t, "artifact:approved", msg.Event)
	}

	select {
	case msg := <-subB.C:
		t.Fatalf("tenant-b received tenant-a message: %+v", msg)
	default:
	}
}

func TestHub_SlowSubscriberLosesMessagesNotOthers(t *testing.T) {
	hub := NewHub()

	slow := hub.Subscribe("tenant-a")
	fast := hub.Subscribe("tenant-a")

	// Overflow the slow subscriber's buffer without reading it; the fast
	// subscriber drains as we go.
	total := subscriberBuffer + 10
	received := 0
	for i := 0; i < total; i++ {
		hub.Publish("tenant-a", "step:completed", i)
		for {
			select {
			case <-fast.C:
				received++
				continue
			default:
			}
			break
		}
	}
	require.Equal(t, total, received, "fast subscriber must see every message")

	// Slow subscriber kept only a buffer's worth.
	buffered := 0
	for {
		select {
		case <-slow.C:
			buffered++
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriberBuffer, buffered)
	assert.Equal(t, 2, hub.SubscriberCount("tenant-a"), "slow subscriber stays subscribed")
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("tenant-a")

	sub.Unsubscribe()
	sub.Unsubscribe()

	assert.Equal(t, 0, hub.SubscriberCount("tenant-a"))

	// Channel is closed after unsubscribe.
	_, open := <-sub.C
	assert.False(t, open)

	// Publishing to a tenant with no subscribers must not panic.
	hub.Publish("tenant-a", "noop", nil)
}
