package notify

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

const (
	sendBuffer   = 32
	writeTimeout = 10 * time.Second
)

// conn is one websocket connection. Writes happen only in writeLoop.
type conn struct {
	id   string
	send chan Envelope
	done chan struct{}
	once sync.Once
}

func newConn() *conn {
	return &conn{
		id:   uuid.NewString(),
		send: make(chan Envelope, sendBuffer),
		done: make(chan struct{}),
	}
}

// Send queues env; a full buffer drops the message.
func (c *conn) Send(env Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	case <-c.done:
		return false
	default:
		log.Warnf("[Notify] Dropping %s for slow connection %s", env.Type, c.id)
		return false
	}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

// RequireUpgrade rejects plain HTTP requests on the websocket route.
func RequireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handler serves the duplex connection. Clients keep it alive with ping;
// silence longer than pongWindow closes it.
func Handler(hub *Hub, pongWindow func() time.Duration) fiber.Handler {
	return websocket.New(func(ws *websocket.Conn) {
		c := newConn()
		hub.Register(c.id, c)
		log.Debugf("[Notify] Connection %s opened", c.id)

		defer func() {
			c.close()
			hub.Remove(c.id)
			_ = ws.Close()
			log.Debugf("[Notify] Connection %s closed", c.id)
		}()

		go writeLoop(ws, c)

		connected, _ := NewEnvelope(TypeConnected, "", map[string]string{"connectionId": c.id})
		c.Send(connected)

		for {
			_ = ws.SetReadDeadline(time.Now().Add(pongWindow()))
			var in Envelope
			if err := ws.ReadJSON(&in); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debugf("[Notify] Connection %s read failed: %v", c.id, err)
				}
				return
			}
			handleMessage(hub, c, in)
		}
	})
}

func handleMessage(hub *Hub, c *conn, in Envelope) {
	switch in.Type {
	case TypePing:
		c.Send(Envelope{Type: TypePong})
	case TypeSubscribeJob:
		if in.JobID == "" {
			c.Send(errorEnvelope("", "jobId is required"))
			return
		}
		if err := hub.Subscribe(c.id, in.JobID); err != nil {
			c.Send(errorEnvelope(in.JobID, err.Error()))
			return
		}
		c.Send(Envelope{Type: TypeSubscribed, JobID: in.JobID})
	case TypeUnsubscribeJob:
		if in.JobID == "" {
			c.Send(errorEnvelope("", "jobId is required"))
			return
		}
		hub.Unsubscribe(c.id, in.JobID)
		c.Send(Envelope{Type: TypeUnsubscribed, JobID: in.JobID})
	default:
		c.Send(errorEnvelope(in.JobID, "unknown message type "+in.Type))
	}
}

func writeLoop(ws *websocket.Conn, c *conn) {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(env); err != nil {
				log.Debugf("[Notify] Write to %s failed: %v", c.id, err)
				c.close()
				_ = ws.Close()
				return
			}
		}
	}
}
