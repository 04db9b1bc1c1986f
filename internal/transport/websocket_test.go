package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/realtime-chat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ping(n int) models.Envelope {
	return models.NewEnvelope(models.EventNotification, map[string]int{"n": n})
}

func closed(c *WSConn) bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func TestWSConn_SendOnFullBufferClosesConnection(t *testing.T) {
	// No socket and no write pump: nothing drains the buffer.
	c := NewWSConn(nil, 2, nil)

	require.NoError(t, c.Send(ping(1)))
	require.NoError(t, c.Send(ping(2)))
	assert.False(t, closed(c))

	err := c.Send(ping(3))
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.True(t, closed(c))
	assert.Len(t, c.send, 2)
}

func TestWSConn_TrySendDropsWithoutClosing(t *testing.T) {
	c := NewWSConn(nil, 1, nil)

	assert.True(t, c.TrySend(ping(1)))
	assert.False(t, c.TrySend(ping(2)))
	assert.False(t, closed(c))

	// The connection is still usable once there is room again.
	<-c.send
	assert.NoError(t, c.Send(ping(3)))
}

func TestWSConn_SendAfterClose(t *testing.T) {
	c := NewWSConn(nil, 4, nil)
	c.Close()
	c.Close()

	assert.ErrorIs(t, c.Send(ping(1)), ErrClosed)
	assert.False(t, c.TrySend(ping(2)))
	assert.Empty(t, c.send)
}

func TestWSConn_DefaultBufferSize(t *testing.T) {
	c := NewWSConn(nil, 0, nil)
	assert.Equal(t, DefaultBufferSize, cap(c.send))
	assert.NotEmpty(t, c.ID())
}

func TestWSConn_ServeDeliversFramesInOrder(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewWSConn(ws, 16, nil)
		conn.Serve(func(frame []byte) {
			var in models.InboundEnvelope
			if err := json.Unmarshal(frame, &in); err != nil {
				return
			}
			conn.Send(models.NewEnvelope(in.Type, in.Payload))
		})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer client.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, client.WriteJSON(ping(i)))
	}

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	for i := 0; i < 5; i++ {
		var got struct {
			Type    models.EventType `json:"type"`
			Payload struct {
				N int `json:"n"`
			} `json:"payload"`
		}
		require.NoError(t, client.ReadJSON(&got))
		assert.Equal(t, models.EventNotification, got.Type)
		assert.Equal(t, i, got.Payload.N)
	}
}
