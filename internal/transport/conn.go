package transport

import (
	"fmt"
	"sync"
	"time"

	"continuum/internal/logging"
	"continuum/internal/protocol"

	"github.com/gorilla/websocket"
)

// sendBuffer bounds outbound envelopes queued behind a slow connection.
const sendBuffer = 64

// Conn wraps one WebSocket connection. A single writer goroutine drains the
// send channel, which preserves per-connection send order; the reader
// goroutine feeds inbound envelopes to the dispatcher. Conn satisfies
// dispatch.Sender.
type Conn struct {
	id    string
	ws    *websocket.Conn
	codec protocol.Codec
	send  chan protocol.Envelope
	log   *logging.Logger

	closeOnce sync.Once
	closed    chan struct{}

	pingInterval time.Duration
	writeTimeout time.Duration

	// wrote is invoked after each envelope frame lands on the wire, for
	// frame accounting. Set by the server before the pumps start.
	wrote func()
}

func newConn(id string, ws *websocket.Conn, codec protocol.Codec, pingInterval, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           id,
		ws:           ws,
		codec:        codec,
		send:         make(chan protocol.Envelope, sendBuffer),
		log:          logging.Get(logging.CategoryTransport),
		closed:       make(chan struct{}),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
	}
}

// ID implements dispatch.Sender.
func (c *Conn) ID() string { return c.id }

// Send queues an envelope for the writer goroutine. It fails when the
// connection is closed or the peer is too slow to drain its buffer; the
// caller converts that into a rejection rather than blocking the core.
func (c *Conn) Send(env protocol.Envelope) error {
	select {
	case <-c.closed:
		return fmt.Errorf("connection %s closed", c.id)
	default:
	}
	select {
	case c.send <- env:
		return nil
	case <-c.closed:
		return fmt.Errorf("connection %s closed", c.id)
	default:
		return fmt.Errorf("connection %s send buffer full", c.id)
	}
}

// close makes Send fail and stops the writer. Idempotent; safe from any
// goroutine.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// writePump is the connection's only writer: envelopes from the send
// channel plus keepalive pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	messageType := websocket.TextMessage
	if c.codec.Name() == protocol.SubprotocolCBOR {
		messageType = websocket.BinaryMessage
	}

	for {
		select {
		case env := <-c.send:
			data, err := c.codec.Encode(env)
			if err != nil {
				c.log.Error("conn %s: encode %s: %v", c.id, env.CorrelationID, err)
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(messageType, data); err != nil {
				c.log.Debug("conn %s: write failed: %v", c.id, err)
				return
			}
			if c.wrote != nil {
				c.wrote()
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// readPump decodes inbound frames and hands them to onEnvelope. It returns
// when the connection drops; the server then notifies the event sink.
func (c *Conn) readPump(maxMessageSize int64, onEnvelope func(env protocol.Envelope)) {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	pongWait := c.pingInterval * 2
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("conn %s: read failed: %v", c.id, err)
			}
			return
		}
		env, err := c.codec.Decode(data)
		if err != nil {
			c.log.Warn("conn %s: dropping malformed frame: %v", c.id, err)
			continue
		}
		onEnvelope(env)
	}
}
