package events

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStream_DeliversMatchingEvents(t *testing.T) {
	stream := NewStream(zap.NewNop())
	srv := httptest.NewServer(stream)
	defer srv.Close()

	all := dial(t, srv, "")
	mine := dial(t, srv, "?user_id=user-1")
	require.Eventually(t, func() bool { return stream.Subscribers() == 2 }, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, stream.Publish(ctx, Event{ID: "e1", Type: RewardPaid, UserID: "user-2"}))
	require.NoError(t, stream.Publish(ctx, Event{ID: "e2", Type: RewardApproved, UserID: "user-1"}))

	var ev Event
	require.NoError(t, all.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, all.ReadJSON(&ev))
	assert.Equal(t, "e1", ev.ID)
	require.NoError(t, all.ReadJSON(&ev))
	assert.Equal(t, "e2", ev.ID)

	require.NoError(t, mine.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, mine.ReadJSON(&ev))
	assert.Equal(t, "e2", ev.ID, "other users' events are filtered out")

	require.NoError(t, stream.Close())
	assert.Zero(t, stream.Subscribers())
}

func TestStream_RemovesDisconnectedSubscribers(t *testing.T) {
	stream := NewStream(zap.NewNop())
	srv := httptest.NewServer(stream)
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return stream.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return stream.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestFanout(t *testing.T) {
	rec := &Recorder{}
	err := Fanout{failingPublisher{}, rec}.Publish(context.Background(), Event{Type: RewardPaid})
	assert.EqualError(t, err, "broker down")
	assert.Equal(t, []string{RewardPaid}, rec.Types(), "later publishers still receive the event")
}
