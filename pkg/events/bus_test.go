package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

func testEvent(jobID, sessionID string, typ models.EventType) models.JobEvent {
	return models.JobEvent{
		ID:        "evt_" + jobID,
		JobID:     jobID,
		Type:      typ,
		SessionID: sessionID,
		RunID:     "run_test",
		CreatedAt: time.Now(),
	}
}

func recv(t *testing.T, sub *Subscription) models.JobEvent {
	t.Helper()
	select {
	case evt, ok := <-sub.Events():
		require.True(t, ok, "channel closed unexpectedly")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return models.JobEvent{}
	}
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("", 0)
	defer sub.Close()

	bus.Publish(testEvent("job_1", "ses_a", models.EventStart))
	bus.Publish(testEvent("job_1", "ses_a", models.EventFinish))

	assert.Equal(t, models.EventStart, recv(t, sub).Type)
	assert.Equal(t, models.EventFinish, recv(t, sub).Type)
}

func TestBusFiltersBySession(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe("", 0)
	defer all.Close()
	onlyA := bus.Subscribe("ses_a", 0)
	defer onlyA.Close()

	bus.Publish(testEvent("job_1", "ses_a", models.EventStart))
	bus.Publish(testEvent("job_2", "ses_b", models.EventStart))

	assert.Equal(t, "job_1", recv(t, all).JobID)
	assert.Equal(t, "job_2", recv(t, all).JobID)

	got := recv(t, onlyA)
	assert.Equal(t, "job_1", got.JobID)
	select {
	case evt := <-onlyA.Events():
		t.Fatalf("unexpected cross-session event: %+v", evt)
	default:
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe("", 1)
	defer slow.Close()

	bus.Publish(testEvent("job_1", "ses_a", models.EventStart))
	bus.Publish(testEvent("job_2", "ses_a", models.EventStart))
	bus.Publish(testEvent("job_3", "ses_a", models.EventStart))

	assert.Equal(t, "job_1", recv(t, slow).JobID)
	select {
	case evt := <-slow.Events():
		t.Fatalf("overflow event should have been dropped, got %+v", evt)
	default:
	}
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("", 0)
	require.Equal(t, 1, bus.subscriberCount())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, bus.subscriberCount())

	_, ok := <-sub.Events()
	assert.False(t, ok, "channel must be closed")

	// Publishing after close must not panic.
	bus.Publish(testEvent("job_1", "ses_a", models.EventStart))
}

func TestBusConcurrentPublishAndClose(t *testing.T) {
	bus := NewBus()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			bus.Publish(testEvent("job_x", "ses_a", models.EventAIRequest))
		}
	}()

	for i := 0; i < 50; i++ {
		sub := bus.Subscribe("ses_a", 4)
		go func() {
			for range sub.Events() {
			}
		}()
		sub.Close()
	}
	<-done
	assert.Equal(t, 0, bus.subscriberCount())
}
