package portfolio

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanout_DeliversToSubscribers(t *testing.T) {
	f := NewFanout(true, 4, 3, zerolog.Nop())

	ch, cancel := f.Subscribe()
	defer cancel()

	f.Publish(Snapshot{TotalValue: 1000})

	select {
	case snap := <-ch:
		assert.Equal(t, 1000.0, snap.TotalValue)
	default:
		t.Fatal("expected a delivered snapshot")
	}
}

func TestFanout_DropsSlowSubscriber(t *testing.T) {
	f := NewFanout(true, 1, 2, zerolog.Nop())

	ch, cancel := f.Subscribe()
	defer cancel()

	// Fill the buffer, then miss twice.
	f.Publish(Snapshot{TotalValue: 1})
	f.Publish(Snapshot{TotalValue: 2})
	f.Publish(Snapshot{TotalValue: 3})

	assert.Equal(t, 0, f.SubscriberCount())

	// Channel is closed after the buffered value drains.
	snap, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, 1.0, snap.TotalValue)
	_, ok = <-ch
	assert.False(t, ok)
}

func TestFanout_DisabledIsIdle(t *testing.T) {
	f := NewFanout(false, 4, 3, zerolog.Nop())

	ch, cancel := f.Subscribe()
	defer cancel()

	f.Publish(Snapshot{TotalValue: 1000})

	select {
	case <-ch:
		t.Fatal("disabled fan-out must not broadcast")
	default:
	}
}

func TestFanout_CancelDetaches(t *testing.T) {
	f := NewFanout(true, 4, 3, zerolog.Nop())

	_, cancel := f.Subscribe()
	require.Equal(t, 1, f.SubscriberCount())
	cancel()
	assert.Equal(t, 0, f.SubscriberCount())

	// Double cancel is a no-op.
	cancel()
}
