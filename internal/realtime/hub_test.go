package realtime

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vimarconnector/internal/entries"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHub_BroadcastReachesClient(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	hub := NewHub(logger)

	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(Event{Type: EventFlowProgress, FlowID: "f1", StepID: "user"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))

	assert.Equal(t, EventFlowProgress, ev.Type)
	assert.Equal(t, "f1", ev.FlowID)
	assert.Equal(t, "user", ev.StepID)
	assert.False(t, ev.At.IsZero())
}

func TestHub_ClientRemovedOnClose(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	hub := NewHub(logger)

	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_EntryChanged(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	hub := NewHub(logger)

	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	store := entries.NewStore("", logger)
	store.Subscribe(hub.EntryChanged)

	added, err := store.Add(entries.Entry{Domain: "vimar_ip_connector", Title: "title", UniqueID: "X1"})
	require.NoError(t, err)
	require.NoError(t, store.Remove(added.EntryID))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventEntryAdded, ev.Type)
	assert.Equal(t, added.EntryID, ev.EntryID)

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventEntryRemoved, ev.Type)
}
