package protocol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBridge is a minimal sidecar: it records the connect frame, acks sends
// and lets the test push frames to the client.
type fakeBridge struct {
	t       *testing.T
	connect chan outboundFrame
	push    chan inboundFrame
	drop    chan struct{}
}

func newFakeBridge(t *testing.T) (*fakeBridge, *httptest.Server) {
	fb := &fakeBridge{
		t:       t,
		connect: make(chan outboundFrame, 1),
		push:    make(chan inboundFrame, 8),
		drop:    make(chan struct{}),
	}
	srv := httptest.NewServer(http.HandlerFunc(fb.serve))
	t.Cleanup(srv.Close)
	return fb, srv
}

func (fb *fakeBridge) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		for {
			select {
			case f := <-fb.push:
				data, _ := json.Marshal(f)
				if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
					return
				}
			case <-fb.drop:
				ws.CloseNow()
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var f outboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Type {
		case "connect":
			fb.connect <- f
		case "send":
			reply := inboundFrame{Type: "ack", ID: f.ID, MessageID: "3EB0" + strings.ToUpper(f.To[:4])}
			if f.Text == "fail" {
				reply = inboundFrame{Type: "ack", ID: f.ID, Error: "send rejected"}
			}
			fb.push <- reply
		default:
			fb.push <- inboundFrame{Type: "ack", ID: f.ID}
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextEvent(t *testing.T, c *BridgeClient) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBridgeClient_ConnectAndEvents(t *testing.T) {
	fb, srv := newFakeBridge(t)
	c := NewBridgeClient(BridgeConfig{URL: wsURL(srv), SessionDir: "/tmp/session", SendTimeout: time.Second}, nil)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))

	select {
	case f := <-fb.connect:
		assert.Equal(t, "/tmp/session", f.SessionDir)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never received connect frame")
	}

	fb.push <- inboundFrame{Type: "connection", ConnectionUpdate: ConnectionUpdate{QR: "2@abc"}}
	ev := nextEvent(t, c)
	update, ok := ev.(ConnectionUpdate)
	require.True(t, ok)
	assert.Equal(t, "2@abc", update.QR)

	fb.push <- inboundFrame{Type: "connection", ConnectionUpdate: ConnectionUpdate{Status: ConnectionClose, StatusCode: 401}}
	update = nextEvent(t, c).(ConnectionUpdate)
	assert.Equal(t, ReasonLoggedOut, update.Reason)
	assert.True(t, update.Reason.Terminal())

	fb.push <- inboundFrame{Type: "messages", MessagesUpsert: MessagesUpsert{
		Type: UpsertNotify,
		Messages: []RawMessage{{
			ID: "M1", ChatID: "15551234567@s.whatsapp.net", Timestamp: 1700000000,
			Body: &MessageBody{Kind: KindConversation, Text: "hi there"},
		}},
	}}
	batch := nextEvent(t, c).(MessagesUpsert)
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, "hi there", batch.Messages[0].Body.Text)
}

func TestBridgeClient_SendTextAck(t *testing.T) {
	_, srv := newFakeBridge(t)
	c := NewBridgeClient(BridgeConfig{URL: wsURL(srv), SendTimeout: time.Second}, nil)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	id, err := c.SendText(context.Background(), "abcd@s.whatsapp.net", "hello")
	require.NoError(t, err)
	assert.Equal(t, "3EB0ABCD", id)

	_, err = c.SendText(context.Background(), "abcd@s.whatsapp.net", "fail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send rejected")

	assert.NoError(t, c.MarkRead(context.Background(), "abcd@s.whatsapp.net", "M1"))
	assert.NoError(t, c.SendPresence(context.Background(), "abcd@s.whatsapp.net", PresenceComposing))
}

func TestBridgeClient_NotConnected(t *testing.T) {
	c := NewBridgeClient(BridgeConfig{URL: "ws://127.0.0.1:1/ws"}, nil)

	_, err := c.SendText(context.Background(), "x@s.whatsapp.net", "hi")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBridgeClient_DropEmitsConnectionLost(t *testing.T) {
	fb, srv := newFakeBridge(t)
	c := NewBridgeClient(BridgeConfig{URL: wsURL(srv)}, nil)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	<-fb.connect

	close(fb.drop)

	update := nextEvent(t, c).(ConnectionUpdate)
	assert.Equal(t, ConnectionClose, update.Status)
	assert.Equal(t, ReasonConnectionLost, update.Reason)
	assert.False(t, update.Reason.Terminal())
}

func TestBridgeClient_CloseWithBufferedAck(t *testing.T) {
	fb, srv := newFakeBridge(t)
	c := NewBridgeClient(BridgeConfig{URL: wsURL(srv)}, nil)
	require.NoError(t, c.Connect(context.Background()))
	<-fb.connect

	// A request that timed out after its ack was buffered but before it
	// removed itself from the pending map.
	ch := make(chan ack, 1)
	ch <- ack{messageID: "3EB0LATE"}
	c.mu.Lock()
	c.pending["late"] = ch
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a full pending channel")
	}
	assert.Equal(t, "3EB0LATE", (<-ch).messageID)
}

func TestBridgeClient_StaleReadLoopKeepsNewConnection(t *testing.T) {
	fb, srv := newFakeBridge(t)
	c := NewBridgeClient(BridgeConfig{URL: wsURL(srv), SendTimeout: time.Second}, nil)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	<-fb.connect
	c.mu.Lock()
	old := c.conn
	c.mu.Unlock()

	require.NoError(t, c.Connect(context.Background()))
	<-fb.connect

	// The old connection is closed, so this read fails right away with a
	// live context, as it does when the error wins the race with cancel.
	c.readLoop(context.Background(), old)

	c.mu.Lock()
	current := c.conn
	c.mu.Unlock()
	require.NotNil(t, current)
	assert.NotSame(t, old, current)

	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event from replaced connection: %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	_, err := c.SendText(context.Background(), "abcd@s.whatsapp.net", "hello")
	assert.NoError(t, err)
}

func TestReasonFromStatusCode(t *testing.T) {
	tests := map[int]DisconnectReason{
		0:   ReasonUnknown,
		401: ReasonLoggedOut,
		403: ReasonUnauthorized,
		408: ReasonTimedOut,
		428: ReasonConnectionClose,
		440: ReasonReplaced,
		500: ReasonConnectionLost,
		515: ReasonRestartRequired,
	}
	for code, want := range tests {
		assert.Equal(t, want, reasonFromStatusCode(code), "code %d", code)
	}
}
