package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/easycicd/easycicd/pkg/types"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	sub := bus.Subscribe()
	for i := 0; i < 5; i++ {
		bus.Publish(LogEvent{BuildID: 1, LineNumber: i, Line: "x"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		logEv, ok := ev.(LogEvent)
		require.True(t, ok)
		assert.Equal(t, i, logEv.LineNumber)
	}
}

func TestBusSlowSubscriberLags(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	sub := bus.Subscribe()
	for i := 0; i < 10; i++ {
		bus.Publish(LogEvent{BuildID: 1, LineNumber: i})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := sub.Next(ctx)
	var lag *LagError
	require.ErrorAs(t, err, &lag)
	assert.Equal(t, uint64(6), lag.Missed)

	// After the lag signal the subscriber resumes at the oldest retained event.
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, ev.(LogEvent).LineNumber)
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	_ = bus.Subscribe() // never reads

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			bus.Publish(ErrorEvent{Message: "boom"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBusCloseDrainsThenErrClosed(t *testing.T) {
	bus := NewBus(8)
	sub := bus.Subscribe()

	bus.Publish(ErrorEvent{Message: "last"})
	bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last", ev.(ErrorEvent).Message)

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBusLateSubscriberStartsAtHead(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	bus.Publish(ErrorEvent{Message: "before"})
	sub := bus.Subscribe()
	bus.Publish(ErrorEvent{Message: "after"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "after", ev.(ErrorEvent).Message)
}

func TestMarshalAddsTypeDiscriminator(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want EventType
	}{
		{"build status", BuildStatusEvent{BuildID: 3, ProjectID: 1, Status: types.BuildBuilding}, EventBuildStatus},
		{"deployment", DeploymentEvent{ProjectID: 1, BuildID: 3, Status: "deploying", Slot: types.SlotGreen}, EventDeployment},
		{"container log", ContainerLogEvent{ContainerID: 7, Name: "redis", Line: "ready"}, EventContainerLog},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.ev)
			require.NoError(t, err)

			var m map[string]any
			require.NoError(t, json.Unmarshal(data, &m))
			assert.Equal(t, string(tt.want), m["type"])
		})
	}
}
