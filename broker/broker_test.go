package broker_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conecta-bridge/broker"
	"conecta-bridge/middleware"
	"conecta-bridge/models"
)

func startHub(t *testing.T, auth bool) (*broker.Hub, string) {
	t.Helper()
	hub := broker.NewHub(zerolog.Nop())
	if auth {
		hub.RequireAuth()
	}
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) models.Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)

	var frame models.Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func writeFrame(t *testing.T, ws *websocket.Conn, frame models.Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func TestWelcomeFrameOnConnect(t *testing.T) {
	_, url := startHub(t, false)
	ws := dial(t, url)

	frame := readFrame(t, ws)
	assert.Equal(t, models.FrameWelcome, frame.Type)
}

func TestPublishReachesSubscribersOnly(t *testing.T) {
	hub, url := startHub(t, false)

	sub := dial(t, url)
	other := dial(t, url)
	readFrame(t, sub)   // welcome
	readFrame(t, other) // welcome

	writeFrame(t, sub, models.Frame{Type: models.FrameSubscribe, Topics: []string{"abuela/mensaje"}})
	writeFrame(t, other, models.Frame{Type: models.FrameSubscribe, Topics: []string{"abuela/alerta"}})

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		5*time.Second, 10*time.Millisecond)

	// Subscriptions are applied by each client's read pump; give it a beat.
	time.Sleep(100 * time.Millisecond)
	hub.Publish("abuela/mensaje", "Tomar la medicación")

	frame := readFrame(t, sub)
	assert.Equal(t, models.FrameMessage, frame.Type)
	assert.Equal(t, "abuela/mensaje", frame.Topic)
	assert.Equal(t, "Tomar la medicación", frame.Payload)

	// The other client subscribed elsewhere and must see nothing.
	other.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := other.ReadMessage()
	require.Error(t, err)
}

func TestClientPublishFansOut(t *testing.T) {
	hub, url := startHub(t, false)

	sub := dial(t, url)
	pubr := dial(t, url)
	readFrame(t, sub)
	readFrame(t, pubr)

	writeFrame(t, sub, models.Frame{Type: models.FrameSubscribe, Topics: []string{"t"}})
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	writeFrame(t, pubr, models.Frame{Type: models.FramePublish, Topic: "t", Payload: "p"})

	frame := readFrame(t, sub)
	assert.Equal(t, models.FrameMessage, frame.Type)
	assert.Equal(t, "p", frame.Payload)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub, url := startHub(t, false)

	ws := dial(t, url)
	readFrame(t, ws)

	writeFrame(t, ws, models.Frame{Type: models.FrameSubscribe, Topics: []string{"t"}})
	time.Sleep(100 * time.Millisecond)
	writeFrame(t, ws, models.Frame{Type: models.FrameUnsubscribe, Topics: []string{"t"}})
	time.Sleep(100 * time.Millisecond)

	hub.Publish("t", "p")

	ws.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
}

func TestAuthRejectsMissingToken(t *testing.T) {
	_, url := startHub(t, true)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthRejectsInvalidToken(t *testing.T) {
	_, url := startHub(t, true)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthAcceptsSignedToken(t *testing.T) {
	_, url := startHub(t, true)

	token, err := middleware.GenerateToken("device")
	require.NoError(t, err)

	ws := dial(t, url+"?token="+token)
	frame := readFrame(t, ws)
	assert.Equal(t, models.FrameWelcome, frame.Type)
}
