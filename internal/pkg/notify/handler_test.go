package notify

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, hub *Hub, window time.Duration) string {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use("/ws", RequireUpgrade)
	app.Get("/ws", Handler(hub, func() time.Duration { return window }))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })
	return "ws://" + ln.Addr().String() + "/ws"
}

func readType(t *testing.T, ctx context.Context, c *websocket.Conn, typ string) Envelope {
	t.Helper()
	for {
		var env Envelope
		require.NoError(t, wsjson.Read(ctx, c, &env))
		if env.Type == typ {
			return env
		}
	}
}

func TestHandlerSubscribeAndDeliver(t *testing.T) {
	hub := NewHub()
	url := startServer(t, hub, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer c.CloseNow()

	readType(t, ctx, c, TypeConnected)

	require.NoError(t, wsjson.Write(ctx, c, Envelope{Type: TypePing}))
	readType(t, ctx, c, TypePong)

	require.NoError(t, wsjson.Write(ctx, c, Envelope{Type: TypeSubscribeJob, JobID: "J-9"}))
	ack := readType(t, ctx, c, TypeSubscribed)
	assert.Equal(t, "J-9", ack.JobID)
	assert.Equal(t, []string{"J-9"}, hub.SubscribedJobIDs())

	assert.Equal(t, 1, hub.Publish("J-9", statusEvent("J-9")))
	change := readType(t, ctx, c, TypeJobChange)
	assert.Equal(t, "J-9", change.JobID)

	require.NoError(t, wsjson.Write(ctx, c, Envelope{Type: TypeSubscribeJob}))
	readType(t, ctx, c, TypeError)

	require.NoError(t, c.Close(websocket.StatusNormalClosure, "bye"))
	assert.Eventually(t, func() bool { return hub.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, hub.SubscribedJobIDs())
}

func TestHandlerClosesSilentConnection(t *testing.T) {
	hub := NewHub()
	url := startServer(t, hub, 200*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer c.CloseNow()
	readType(t, ctx, c, TypeConnected)

	assert.Eventually(t, func() bool { return hub.Connections() == 0 }, 2*time.Second, 20*time.Millisecond)
}
