// Package server implements the Onepad collaborative document server: one
// shared document, many websocket clients, with diff/patch merging, presence
// relay, and image optimization on the side.
package server

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/onepad/onepad/internal/protocol"
	"github.com/onepad/onepad/pkg/document"
	"github.com/onepad/onepad/pkg/imageproc"
	"github.com/onepad/onepad/pkg/metrics"
	"github.com/onepad/onepad/pkg/persist"
)

// Onepad coordinates the shared document session. It owns the connection
// set, routes inbound client messages, and fans accepted changes out to
// peers in commit order.
type Onepad struct {
	store     *document.Store
	registry  *Registry
	images    *imageproc.Pool
	persister *persist.Scheduler
	metrics   *metrics.Metrics

	// mu serializes document commits with their broadcast dispatch, so every
	// recipient observes accepted patches in the order the store committed
	// them. It is never held across socket writes; sending only enqueues on
	// the recipient's writer queue.
	mu    sync.RWMutex
	conns map[string]*Connection // connection ID -> live connection

	down atomic.Bool // set once shutdown begins
}

// NewOnepad creates the session coordinator.
func NewOnepad(store *document.Store, registry *Registry, images *imageproc.Pool, persister *persist.Scheduler, m *metrics.Metrics) *Onepad {
	return &Onepad{
		store:     store,
		registry:  registry,
		images:    images,
		persister: persister,
		metrics:   m,
		conns:     make(map[string]*Connection),
	}
}

// Attach registers a connection for broadcast fan-out. It reports false once
// shutdown has begun.
func (p *Onepad) Attach(c *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.down.Load() {
		return false
	}
	p.conns[c.id] = c
	return true
}

// Detach drops a connection from the fan-out set. When the connection still
// owns its user mapping, the session is removed and everyone is told.
func (p *Onepad) Detach(c *Connection) {
	p.mu.Lock()
	delete(p.conns, c.id)
	userID, removed := p.registry.Disconnect(c.id)
	if removed {
		p.broadcastLocked(c.id, protocol.NewUserLeftMsg(userID))
	}
	p.mu.Unlock()

	if removed {
		log.WithFields(log.Fields{"conn": c.id, "user": userID}).Info("user left")
		p.metrics.SetSessions(p.registry.Count())
	}
}

// Down reports whether shutdown has begun.
func (p *Onepad) Down() bool {
	return p.down.Load()
}

// Handle routes one inbound client message. A non-nil error is fatal for the
// connection; everything recoverable is answered or dropped here.
func (p *Onepad) Handle(c *Connection, msg *protocol.ClientMsg) error {
	switch {
	case msg.UserJoined != nil:
		return p.identify(c, *msg.UserJoined)
	case msg.ApplyPatch != nil:
		p.applyPatch(c, msg.ApplyPatch.Patch)
	case msg.UploadImage != nil:
		p.uploadImage(c, *msg.UploadImage)
	case msg.CursorMove != nil:
		p.moveCursor(c, msg.CursorMove)
	case msg.RequestFullSync != nil:
		p.fullSync(c, msg.RequestFullSync.Reason)
	}
	return nil
}

// identify binds the connection to a logical user, hands it the current
// document plus the other live users, and announces the arrival. An invalid
// join payload is the one protocol error that closes the connection.
func (p *Onepad) identify(c *Connection, join protocol.UserJoinedMsg) error {
	displaced, err := p.registry.Identify(c.id, join)
	if err != nil {
		log.WithFields(log.Fields{"conn": c.id, "err": err}).Warn("rejecting invalid identify")
		c.kill(websocket.StatusPolicyViolation, "invalid identify payload")
		return fmt.Errorf("identify: %w", err)
	}

	p.mu.Lock()
	var old *Connection
	if displaced != "" {
		if old = p.conns[displaced]; old != nil {
			delete(p.conns, displaced)
		}
	}
	p.send(c, protocol.NewInitMsg(p.store.Snapshot(), p.registry.ListOthers(join.UserID)))
	p.broadcastLocked(c.id, protocol.NewUserJoinedMsg(join.UserID, join.Name, join.Color))
	p.mu.Unlock()

	if old != nil {
		log.WithFields(log.Fields{
			"user": join.UserID,
			"old":  displaced,
			"new":  c.id,
		}).Info("session takeover, closing previous connection")
		old.kill(websocket.StatusPolicyViolation, "session taken over")
	} else {
		log.WithFields(log.Fields{"conn": c.id, "user": join.UserID, "name": join.Name}).Info("user joined")
	}

	p.metrics.SetSessions(p.registry.Count())
	return nil
}

// applyPatch runs a submitted patch through the document store and answers
// per outcome: committed patches go to every peer plus an acknowledgement to
// the submitter, failures stay between the submitter and the server.
func (p *Onepad) applyPatch(c *Connection, raw []byte) {
	sess, ok := p.registry.Resolve(c.id)
	if !ok {
		return
	}

	ps, err := protocol.ParsePatchSet(raw)
	if err != nil {
		log.WithFields(log.Fields{"conn": c.id, "err": err}).Debug("dropping malformed patch")
		return
	}

	p.mu.Lock()
	start := time.Now()
	res := p.store.Apply(ps)
	elapsed := time.Since(start)

	switch res.Outcome {
	case document.Applied:
		p.broadcastLocked(c.id, protocol.NewPatchBroadcastMsg(raw, sess.UserID))
		p.send(c, protocol.NewContentAcknowledgedMsg())
	case document.NoChange:
		p.send(c, protocol.NewContentAcknowledgedMsg())
	case document.Rejected:
		p.send(c, protocol.NewPatchRejectedMsg(res.Reason))
	case document.Failed:
		p.send(c, protocol.NewRequestFullSyncMsg(res.Reason))
	}
	p.mu.Unlock()

	p.metrics.ObservePatch(res.Outcome.String(), elapsed)
	switch res.Outcome {
	case document.Applied:
		p.metrics.SetDocumentBytes(res.Bytes)
		p.persister.Request()
	case document.Failed, document.Rejected:
		log.WithFields(log.Fields{
			"user":    sess.UserID,
			"outcome": res.Outcome,
			"reason":  res.Reason,
		}).Warn("patch refused")
	}
}

// moveCursor relays a caret update to every peer, annotated with the
// sender's identity. Unidentified senders and non-finite coordinates are
// dropped.
func (p *Onepad) moveCursor(c *Connection, move *protocol.CursorMoveMsg) {
	if !finite(move.X) || !finite(move.Y) || !finite(move.Height) {
		return
	}
	sess, ok := p.registry.Touch(c.id)
	if !ok {
		return
	}

	out := protocol.NewCursorMoveMsg(sess.UserID, sess.Name, sess.Color, move)

	p.mu.RLock()
	p.broadcastLocked(c.id, out)
	p.mu.RUnlock()
}

// uploadImage hands an image payload to the transform pool. The reply goes
// to the submitting connection only, correlated by placeholder ID; the
// document is never touched from the image path.
func (p *Onepad) uploadImage(c *Connection, up protocol.UploadImageMsg) {
	if _, ok := p.registry.Resolve(c.id); !ok {
		p.send(c, protocol.NewImageErrorMsg(up.PlaceholderID, "unidentified"))
		return
	}

	connID := c.id
	accepted := p.images.Submit(up.PlaceholderID, up.Base64Data, func(res imageproc.Result) {
		p.imageDone(connID, res)
	})
	if !accepted {
		log.WithFields(log.Fields{"conn": c.id, "placeholder": up.PlaceholderID}).Warn("image queue full")
		p.send(c, protocol.NewImageErrorMsg(up.PlaceholderID, "too many pending uploads"))
	}
}

// imageDone delivers a transform result to the submitter, if it is still
// connected. Replies for departed submitters are dropped.
func (p *Onepad) imageDone(connID string, res imageproc.Result) {
	p.mu.RLock()
	c, ok := p.conns[connID]
	p.mu.RUnlock()
	if !ok {
		return
	}

	if res.Err != nil {
		p.send(c, protocol.NewImageErrorMsg(res.PlaceholderID, res.Err.Error()))
		return
	}
	p.send(c, protocol.NewImageProcessedMsg(res.PlaceholderID, res.OptimizedDataURL))
}

// fullSync re-sends the complete document snapshot so the client can recover
// from divergence. The snapshot is taken under the coordinator lock, so the
// client cannot receive a broadcast for a patch its snapshot already
// contains.
func (p *Onepad) fullSync(c *Connection, reason string) {
	var userID string
	if sess, ok := p.registry.Resolve(c.id); ok {
		userID = sess.UserID
	}
	if reason != "" {
		log.WithFields(log.Fields{"conn": c.id, "user": userID, "reason": reason}).Info("client requested full sync")
	}

	p.mu.RLock()
	p.send(c, protocol.NewInitMsg(p.store.Snapshot(), p.registry.ListOthers(userID)))
	p.send(c, protocol.NewContentAcknowledgedMsg())
	p.mu.RUnlock()
}

// Shutdown warns every client and closes their connections. It runs once;
// later calls are no-ops.
func (p *Onepad) Shutdown(message string) {
	if !p.down.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	n := len(p.conns)
	for _, c := range p.conns {
		c.Enqueue(protocol.NewServerShutdownMsg(message))
		c.kill(websocket.StatusGoingAway, "server shutting down")
	}
	p.mu.Unlock()

	log.WithField("connections", n).Info("shutdown broadcast sent")
}

// send enqueues a message on one connection. It never blocks, so it is safe
// under the coordinator lock. A full queue means the client cannot drain
// fast enough to keep its view consistent, so the connection is killed
// rather than skipping messages.
func (p *Onepad) send(c *Connection, msg *protocol.ServerMsg) {
	if c.Enqueue(msg) {
		return
	}
	p.metrics.BroadcastDropped()
	log.WithField("conn", c.id).Warn("send queue overflow, dropping connection")
	c.kill(websocket.StatusPolicyViolation, "send queue overflow")
}

// broadcastLocked enqueues msg on every connection except the named one.
// Callers must hold mu.
func (p *Onepad) broadcastLocked(except string, msg *protocol.ServerMsg) {
	for id, peer := range p.conns {
		if id == except {
			continue
		}
		p.send(peer, msg)
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
