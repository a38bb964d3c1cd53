package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/onepad/onepad/internal/protocol"
)

const (
	pingInterval = 10 * time.Second // liveness probe period
	pingTimeout  = 5 * time.Second  // how long a peer gets to answer a ping
	writeTimeout = 10 * time.Second
)

// Connection is a single client websocket connection. Outbound messages are
// queued on sendCh and written by a dedicated writer goroutine, which keeps
// per-connection FIFO order without ever holding a lock across a socket
// write.
type Connection struct {
	id   string
	pad  *Onepad
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	sendCh     chan *protocol.ServerMsg
	quit       chan struct{} // closed by kill; the writer drains sendCh, then sends the close frame
	writerDone chan struct{} // closed when the writer goroutine exits

	killOnce sync.Once
	status   websocket.StatusCode // close frame fields, set before quit is closed
	reason   string
}

// NewConnection wraps an accepted websocket in a connection handler.
func NewConnection(pad *Onepad, conn *websocket.Conn, queueSize int) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:     uuid.NewString(),
		pad:    pad,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		sendCh:     make(chan *protocol.ServerMsg, queueSize),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Handle runs the connection lifecycle: a writer goroutine, a liveness
// pinger, and the read loop, until the peer leaves or the server kills the
// connection.
func (c *Connection) Handle(ctx context.Context) error {
	defer c.cleanup()

	stop := context.AfterFunc(ctx, c.cancel)
	defer stop()

	log.WithField("conn", c.id).Info("client connected")

	go c.writeLoop()
	go c.pingLoop()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || isExpectedClose(err) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		var msg protocol.ClientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed payloads are dropped, never fatal.
			log.WithFields(log.Fields{"conn": c.id, "err": err}).Debug("dropping undecodable message")
			continue
		}

		if err := c.pad.Handle(c, &msg); err != nil {
			return err
		}
	}
}

// Enqueue queues msg for delivery. It never blocks and reports false when
// the queue is full.
func (c *Connection) Enqueue(msg *protocol.ServerMsg) bool {
	select {
	case c.sendCh <- msg:
		return true
	default:
		return false
	}
}

// kill tears the connection down with the given close frame. It never
// blocks, so it is safe to call while holding the coordinator lock.
func (c *Connection) kill(status websocket.StatusCode, reason string) {
	c.killOnce.Do(func() {
		c.status = status
		c.reason = reason
		close(c.quit)
	})
}

// writeLoop owns every socket write for this connection, including the close
// frame.
func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.write(msg); err != nil {
				log.WithFields(log.Fields{"conn": c.id, "err": err}).Debug("write failed")
				c.cancel()
				return
			}
		case <-c.quit:
			c.drainAndClose()
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// drainAndClose flushes whatever was queued before kill, then sends the
// close frame and cancels the connection.
func (c *Connection) drainAndClose() {
	defer c.cancel()
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			c.conn.Close(c.status, c.reason)
			return
		}
	}
}

// pingLoop probes transport liveness. A peer that stops answering has its
// connection cancelled and surfaces as a disconnect.
func (c *Connection) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, pingTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					log.WithField("conn", c.id).Debug("ping timed out, dropping connection")
				}
				c.cancel()
				return
			}
		}
	}
}

// write marshals and writes one message to the socket.
func (c *Connection) write(msg *protocol.ServerMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// cleanup unwinds the connection: stop the writer and wait for it, then drop
// the session mapping, which tells peers when this connection still owned its
// user. The writer owns the close frame, so nothing else may close the socket
// until it is done draining.
func (c *Connection) cleanup() {
	c.kill(websocket.StatusNormalClosure, "")
	select {
	case <-c.writerDone:
	case <-time.After(writeTimeout):
		c.cancel()
		<-c.writerDone
	}
	c.pad.Detach(c)
	log.WithField("conn", c.id).Info("client disconnected")
}

func isExpectedClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
