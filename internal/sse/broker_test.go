package sse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_LocalPublish(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	client := b.Subscribe("s1", "d1")
	other := b.Subscribe("s2", "d2")
	assert.Equal(t, 1, b.ClientCount("s1"))
	assert.Equal(t, 2, b.TotalClients())

	event, err := NewEvent(EventDeviceStatus, map[string]any{"deviceId": "d1", "online": true})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "s1", event))

	select {
	case got := <-client.Events:
		assert.Equal(t, EventDeviceStatus, got.Type)
		var data map[string]any
		require.NoError(t, json.Unmarshal(got.Data, &data))
		assert.Equal(t, true, data["online"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case <-other.Events:
		t.Fatal("event leaked to another session")
	default:
	}
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	client := b.Subscribe("s1", "d1")
	b.Unsubscribe(client)
	b.Unsubscribe(client)

	assert.Equal(t, 0, b.ClientCount("s1"))
	select {
	case <-client.Done:
	default:
		t.Fatal("done channel not closed")
	}
}

func TestBroker_CloseSession(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	client := b.Subscribe("s1", "d1")
	b.CloseSession("s1")

	_, open := <-client.Done
	assert.False(t, open)
	assert.Equal(t, 0, b.ClientCount("s1"))

	// Unsubscribe after CloseSession must not double-close.
	b.Unsubscribe(client)
}

func TestBroker_FullBufferDrops(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	client := b.Subscribe("s1", "d1")
	event := Event{Type: EventTransportState, Data: json.RawMessage(`{}`)}
	for i := 0; i < clientBuffer+10; i++ {
		require.NoError(t, b.Publish(context.Background(), "s1", event))
	}
	assert.Len(t, client.Events, clientBuffer)
}
