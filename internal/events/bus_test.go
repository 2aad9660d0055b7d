package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalfonso89/fine-life/internal/logger"
	"github.com/dalfonso89/fine-life/internal/models"
)

func receive(t *testing.T, ch <-chan models.Message) models.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return models.Message{}
	}
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(logger.Discard())

	first, unsubscribeFirst := bus.Subscribe()
	second, unsubscribeSecond := bus.Subscribe()
	defer unsubscribeFirst()
	defer unsubscribeSecond()

	bus.Publish(models.Message{Type: models.MessageSyncComplete})

	for _, ch := range []<-chan models.Message{first, second} {
		msg := receive(t, ch)
		assert.Equal(t, models.MessageSyncComplete, msg.Type)
		assert.NotZero(t, msg.Timestamp)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(logger.Discard())

	ch, unsubscribe := bus.Subscribe()
	assert.Equal(t, 1, bus.SubscriberCount())

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")

	bus.Publish(models.Message{Type: models.MessageSyncComplete})
}

func TestBus_PublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus(logger.Discard())
	_, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBuffer*3; i++ {
			bus.Publish(models.Message{Type: models.MessageOfflineTransaction})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(logger.Discard())
	ch, unsubscribe := bus.Subscribe()

	bus.Close()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := bus.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}
