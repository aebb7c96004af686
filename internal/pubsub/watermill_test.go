package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillBus_DeliversInOrder(t *testing.T) {
	bus := NewWatermillBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Message, 3)
	require.NoError(t, bus.Subscribe(ctx, "rooms", func(_ context.Context, msg Message) error {
		received <- msg
		return nil
	}))

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(ctx, Message{
			Topic:   "rooms",
			Sender:  "alice",
			Payload: []byte{byte('a' + i)},
			Header:  map[string]string{"origin": "node-1"},
		}))
	}

	for i := 0; i < 3; i++ {
		select {
		case msg := <-received:
			assert.Equal(t, "rooms", msg.Topic)
			assert.Equal(t, "alice", msg.Sender)
			assert.Equal(t, []byte{byte('a' + i)}, msg.Payload)
			assert.Equal(t, map[string]string{"origin": "node-1"}, msg.Header)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestWatermillBus_HandlerErrorDoesNotStall(t *testing.T) {
	bus := NewWatermillBus(nil)
	defer bus.Close()

	ctx := context.Background()
	calls := make(chan string, 4)
	require.NoError(t, bus.Subscribe(ctx, "rooms", func(_ context.Context, msg Message) error {
		calls <- string(msg.Payload)
		if string(msg.Payload) == "bad" {
			return errors.New("boom")
		}
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, Message{Topic: "rooms", Payload: []byte("bad")}))
	require.NoError(t, bus.Publish(ctx, Message{Topic: "rooms", Payload: []byte("good")}))

	var got []string
	for len(got) < 2 {
		select {
		case c := <-calls:
			got = append(got, c)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []string{"bad", "good"}, got)
}

func TestRoomSignalsTopic(t *testing.T) {
	bus := NewWatermillBus(nil)
	defer bus.Close()

	ctx := context.Background()
	type delivery struct {
		sender string
		sig    RoomSignal
	}
	received := make(chan delivery, 1)
	require.NoError(t, RoomSignals.Subscribe(ctx, bus, func(_ context.Context, sender string, sig RoomSignal) error {
		received <- delivery{sender, sig}
		return nil
	}))

	sig := RoomSignal{
		Room:   "bob",
		Event:  "typing-start",
		Data:   json.RawMessage(`{"userId":"alice","recipientId":"bob"}`),
		Origin: "node-1",
	}
	require.NoError(t, RoomSignals.Publish(ctx, bus, "alice", sig))

	select {
	case got := <-received:
		assert.Equal(t, "alice", got.sender)
		assert.Equal(t, "bob", got.sig.Room)
		assert.Equal(t, "typing-start", got.sig.Event)
		assert.Equal(t, "node-1", got.sig.Origin)
		assert.JSONEq(t, string(sig.Data), string(got.sig.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for room signal")
	}
}

func TestTopicSubscribe_UndecodablePayload(t *testing.T) {
	bus := NewWatermillBus(nil)
	defer bus.Close()

	ctx := context.Background()
	called := make(chan struct{}, 1)
	require.NoError(t, RoomSignals.Subscribe(ctx, bus, func(context.Context, string, RoomSignal) error {
		called <- struct{}{}
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, Message{Topic: string(RoomSignals), Payload: []byte("not json")}))
	require.NoError(t, RoomSignals.Publish(ctx, bus, "alice", RoomSignal{Room: "bob", Event: "typing-stop"}))

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("valid signal after a bad one was not delivered")
	}
	assert.Empty(t, called, "the undecodable payload must not reach the handler")
}
