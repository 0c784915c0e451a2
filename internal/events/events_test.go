package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/wa-relay/internal/domain"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	got []Event
	err error
}

func (r *recordingPublisher) Publish(_ context.Context, ev Event) error {
	r.got = append(r.got, ev)
	return r.err
}

func TestMulti_PublishesToAll(t *testing.T) {
	a := &recordingPublisher{}
	b := &recordingPublisher{err: errors.New("nats down")}
	m := Multi{a, b, Nop{}}

	err := m.Publish(context.Background(), New(TypeSessionReset, nil))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats down")
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
}

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "wa-relay.events.connection.state", subjectFor("wa-relay.events", TypeConnectionState))
	assert.Equal(t, "message.sent", subjectFor("", TypeMessageSent))
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHub_SnapshotThenLiveEvents(t *testing.T) {
	hub := NewHub(func() Event {
		return New(TypeConnectionState, map[string]string{"state": "connected"})
	}, nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	first := readEvent(t, ctx, conn)
	assert.Equal(t, TypeConnectionState, first.Type)
	assert.Equal(t, map[string]any{"state": "connected"}, first.Data)

	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Publish(ctx, New(TypeMessageSent, map[string]string{"message_id": "3EB0"})))

	next := readEvent(t, ctx, conn)
	assert.Equal(t, TypeMessageSent, next.Type)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	hub := NewHub(nil, []string{"example.com"}, nil)
	assert.NoError(t, hub.Publish(context.Background(), New(TypeSessionReset, nil)))
	assert.Zero(t, hub.Len())
}

func TestStateListener(t *testing.T) {
	pub := &recordingPublisher{}
	listen := StateListener(pub, nil)

	challenge := &domain.PairingChallenge{Token: "2@a", Attempt: 1}
	listen(domain.Snapshot{State: domain.StateConnecting})
	listen(domain.Snapshot{State: domain.StateAwaitingPairing, Challenge: challenge, PairingAttempts: 1})
	listen(domain.Snapshot{State: domain.StateAwaitingPairing, Challenge: challenge, PairingAttempts: 1})
	listen(domain.Snapshot{State: domain.StateAwaitingPairing, Challenge: &domain.PairingChallenge{Token: "2@b", Attempt: 2}, PairingAttempts: 2})
	listen(domain.Snapshot{State: domain.StateConnected})

	var types []Type
	for _, ev := range pub.got {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []Type{
		TypeConnectionState,
		TypeConnectionState, TypePairingChallenge,
		TypePairingChallenge,
		TypeConnectionState,
	}, types)

	last := pub.got[len(pub.got)-1].Data.(StateData)
	assert.True(t, last.Connected)
}
