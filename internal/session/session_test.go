package session

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/pubsub-ws/internal/broker"
	"github.com/adred-codev/pubsub-ws/internal/protocol"
)

// testClient reads server frames off the far end of a net.Pipe so session
// writes never block.
type testClient struct {
	conn   net.Conn
	frames chan map[string]any
}

func newTestClient(conn net.Conn) *testClient {
	c := &testClient{conn: conn, frames: make(chan map[string]any, 64)}
	go func() {
		defer close(c.frames)
		for {
			data, err := wsutil.ReadServerText(conn)
			if err != nil {
				return
			}
			var frame map[string]any
			if json.Unmarshal(data, &frame) == nil {
				c.frames <- frame
			}
		}
	}()
	return c
}

// next returns the next frame or fails the test after a timeout.
func (c *testClient) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case frame, ok := <-c.frames:
		require.True(t, ok, "connection closed before expected frame")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func newTestManager() *broker.Manager {
	return broker.NewManager(broker.Config{
		DefaultRingSize:       100,
		MaxRingSize:           10000,
		SubscriberQueueSize:   50,
		SlowConsumerThreshold: 3,
	}, zerolog.Nop(), nil)
}

func newTestSession(t *testing.T, manager *broker.Manager) (*Session, *testClient) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	sess := New(context.Background(), serverConn, manager, nil, Config{WriteTimeout: time.Second}, zerolog.Nop(), nil)
	client := newTestClient(clientConn)
	t.Cleanup(func() {
		sess.Teardown()
		_ = clientConn.Close()
	})
	return sess, client
}

func send(sess *Session, frame string) {
	sess.HandleFrame([]byte(frame))
}

func TestPingPong(t *testing.T) {
	sess, client := newTestSession(t, newTestManager())

	go send(sess, `{"type":"ping","request_id":"r1"}`)

	frame := client.next(t)
	assert.Equal(t, "pong", frame["type"])
	assert.Equal(t, "r1", frame["request_id"])
	assert.NotEmpty(t, frame["ts"])
}

func TestInvalidJSON(t *testing.T) {
	sess, client := newTestSession(t, newTestManager())

	go send(sess, `{not json`)

	frame := client.next(t)
	assert.Equal(t, "error", frame["type"])
	assert.Nil(t, frame["request_id"])
	detail := frame["error"].(map[string]any)
	assert.Equal(t, protocol.CodeBadRequest, detail["code"])
}

func TestUnknownType(t *testing.T) {
	sess, client := newTestSession(t, newTestManager())

	go send(sess, `{"type":"noop","request_id":"r1"}`)

	frame := client.next(t)
	assert.Equal(t, "error", frame["type"])
	detail := frame["error"].(map[string]any)
	assert.Equal(t, protocol.CodeBadRequest, detail["code"])
}

func TestSubscribeMissingFields(t *testing.T) {
	sess, client := newTestSession(t, newTestManager())

	go send(sess, `{"type":"subscribe","request_id":"r1","topic":"orders"}`)

	frame := client.next(t)
	detail := frame["error"].(map[string]any)
	assert.Equal(t, protocol.CodeBadRequest, detail["code"])
	assert.Contains(t, detail["message"], "client_id")
}

func TestSubscribeCreatesTopicAndAcks(t *testing.T) {
	manager := newTestManager()
	sess, client := newTestSession(t, manager)

	go send(sess, `{"type":"subscribe","request_id":"r1","topic":"orders","client_id":"c1"}`)

	frame := client.next(t)
	assert.Equal(t, "ack", frame["type"])
	assert.Equal(t, "r1", frame["request_id"])
	assert.Equal(t, "orders", frame["topic"])

	topic, ok := manager.GetTopic("orders")
	require.True(t, ok)
	assert.Equal(t, 1, topic.SubscriberCount())
}

func TestSubscribeReplayPrecedesAck(t *testing.T) {
	manager := newTestManager()
	topic, err := manager.GetOrCreateTopic("orders")
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		msg, err := broker.NewMessage(uuid.NewString(), map[string]any{"n": i})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
		topic.Publish(msg)
	}

	sess, client := newTestSession(t, manager)
	go send(sess, `{"type":"subscribe","request_id":"r1","topic":"orders","client_id":"c1","last_n":2}`)

	first := client.next(t)
	require.Equal(t, "event", first["type"])
	assert.Equal(t, ids[1], first["message"].(map[string]any)["id"])

	second := client.next(t)
	require.Equal(t, "event", second["type"])
	assert.Equal(t, ids[2], second["message"].(map[string]any)["id"])

	ack := client.next(t)
	assert.Equal(t, "ack", ack["type"])
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	manager := newTestManager()
	sess, client := newTestSession(t, manager)

	go send(sess, `{"type":"subscribe","request_id":"r1","topic":"orders","client_id":"c1"}`)
	require.Equal(t, "ack", client.next(t)["type"])

	id := uuid.NewString()
	go send(sess, `{"type":"publish","request_id":"r2","topic":"orders","message":{"id":"`+id+`","payload":{"k":"v"}}}`)

	// The publish ack and the self-delivered event race; collect both.
	seen := map[string]map[string]any{}
	for i := 0; i < 2; i++ {
		frame := client.next(t)
		seen[frame["type"].(string)] = frame
	}

	require.Contains(t, seen, "ack")
	require.Contains(t, seen, "event")
	msg := seen["event"]["message"].(map[string]any)
	assert.Equal(t, id, msg["id"])
	assert.Equal(t, "v", msg["payload"].(map[string]any)["k"])
}

func TestPublishTopicNotFound(t *testing.T) {
	sess, client := newTestSession(t, newTestManager())

	id := uuid.NewString()
	go send(sess, `{"type":"publish","request_id":"r1","topic":"ghost","message":{"id":"`+id+`","payload":{}}}`)

	frame := client.next(t)
	detail := frame["error"].(map[string]any)
	assert.Equal(t, protocol.CodeTopicNotFound, detail["code"])
	assert.Equal(t, "r1", frame["request_id"])
}

func TestPublishRejectsInvalidMessageID(t *testing.T) {
	manager := newTestManager()
	_, err := manager.GetOrCreateTopic("orders")
	require.NoError(t, err)
	sess, client := newTestSession(t, manager)

	go send(sess, `{"type":"publish","request_id":"r1","topic":"orders","message":{"id":"nope","payload":{}}}`)

	frame := client.next(t)
	detail := frame["error"].(map[string]any)
	assert.Equal(t, protocol.CodeBadRequest, detail["code"])
	assert.Contains(t, detail["message"], "UUID")
}

func TestUnsubscribe(t *testing.T) {
	manager := newTestManager()
	sess, client := newTestSession(t, manager)

	go send(sess, `{"type":"subscribe","request_id":"r1","topic":"orders","client_id":"c1"}`)
	require.Equal(t, "ack", client.next(t)["type"])

	go send(sess, `{"type":"unsubscribe","request_id":"r2","topic":"orders","client_id":"c1"}`)
	ack := client.next(t)
	assert.Equal(t, "ack", ack["type"])
	assert.Equal(t, "r2", ack["request_id"])

	topic, _ := manager.GetTopic("orders")
	assert.Equal(t, 0, topic.SubscriberCount())
}

func TestUnsubscribeTopicNotFound(t *testing.T) {
	sess, client := newTestSession(t, newTestManager())

	go send(sess, `{"type":"unsubscribe","request_id":"r1","topic":"ghost","client_id":"c1"}`)

	frame := client.next(t)
	detail := frame["error"].(map[string]any)
	assert.Equal(t, protocol.CodeTopicNotFound, detail["code"])
}

func TestFramesRefusedDuringShutdown(t *testing.T) {
	manager := newTestManager()
	sess, client := newTestSession(t, manager)

	manager.InitiateShutdown()
	go send(sess, `{"type":"ping","request_id":"r1"}`)

	frame := client.next(t)
	require.Equal(t, "error", frame["type"])
	detail := frame["error"].(map[string]any)
	assert.Equal(t, protocol.CodeServiceUnavailable, detail["code"])
}

func TestTeardownRemovesSubscriptions(t *testing.T) {
	manager := newTestManager()
	sess, client := newTestSession(t, manager)

	go send(sess, `{"type":"subscribe","request_id":"r1","topic":"orders","client_id":"c1"}`)
	require.Equal(t, "ack", client.next(t)["type"])

	sess.Teardown()

	topic, _ := manager.GetTopic("orders")
	assert.Equal(t, 0, topic.SubscriberCount())
}

func TestTeardownKeepsTakenOverClientID(t *testing.T) {
	manager := newTestManager()

	first, firstClient := newTestSession(t, manager)
	go send(first, `{"type":"subscribe","request_id":"r1","topic":"orders","client_id":"c1"}`)
	require.Equal(t, "ack", firstClient.next(t)["type"])

	// A second connection subscribes under the same client id, replacing
	// the first connection's subscriber.
	second, secondClient := newTestSession(t, manager)
	go send(second, `{"type":"subscribe","request_id":"r2","topic":"orders","client_id":"c1"}`)
	require.Equal(t, "ack", secondClient.next(t)["type"])

	// The stale session disconnecting must not evict the live subscriber.
	first.Teardown()

	topic, _ := manager.GetTopic("orders")
	assert.Equal(t, 1, topic.SubscriberCount())
}

func TestFailedReplayDetachesSubscriber(t *testing.T) {
	manager := newTestManager()
	topic, err := manager.GetOrCreateTopic("orders")
	require.NoError(t, err)
	msg, err := broker.NewMessage(uuid.NewString(), map[string]any{"n": 1})
	require.NoError(t, err)
	topic.Publish(msg)

	serverConn, clientConn := net.Pipe()
	sess := New(context.Background(), serverConn, manager, nil, Config{WriteTimeout: time.Second}, zerolog.Nop(), nil)
	t.Cleanup(sess.Teardown)

	// Peer is gone before the replay is written.
	require.NoError(t, clientConn.Close())

	sess.HandleFrame([]byte(`{"type":"subscribe","request_id":"r1","topic":"orders","client_id":"c1","last_n":1}`))

	// The subscriber must not be left in the topic with no worker.
	assert.Equal(t, 0, topic.SubscriberCount())
}
