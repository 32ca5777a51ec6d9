package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"termshare/internal/auth"
	"termshare/internal/config"
	"termshare/internal/hub"
	"termshare/internal/multiplexer"
	"termshare/internal/protocol"
)

var connSeq atomic.Uint64

// conn is one client connection: a decode loop, a single socket writer,
// and one pump per subscription forwarding hub frames into the writer.
type conn struct {
	ws        *websocket.Conn
	principal auth.Principal
	registry  *hub.Registry
	cfg       config.Config
	log       zerolog.Logger
	id        uint64

	sendCh     chan outMsg
	done       chan struct{}
	writerDone chan struct{}
	once       sync.Once

	missedPongs atomic.Int32

	mu   sync.Mutex
	subs map[string]subEntry
}

type subEntry struct {
	hub *hub.Hub
	sub *hub.Subscriber
}

// outMsg is one unit of work for the socket writer. A nonzero closeCode
// makes the writer emit the close frame right after the payload, so an
// error and the close it causes cannot be reordered or lost.
type outMsg struct {
	frame     protocol.ServerFrame
	closeCode int
	closeText string
}

func newConn(ws *websocket.Conn, principal auth.Principal, registry *hub.Registry, cfg config.Config, log zerolog.Logger) *conn {
	id := connSeq.Add(1)
	return &conn{
		ws:         ws,
		principal:  principal,
		registry:   registry,
		cfg:        cfg,
		log:        log.With().Uint64("conn", id).Str("user", principal.UserID).Logger(),
		id:         id,
		sendCh:     make(chan outMsg, sendQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		subs:       make(map[string]subEntry),
	}
}

func (c *conn) run() {
	defer c.teardown()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("connection panicked")
		}
	}()

	// connected precedes any session frame.
	c.send(protocol.Connected(c.principal.UserID, c.principal.Role.String()))

	go c.writeLoop()
	c.readLoop()
}

func (c *conn) readLoop() {
	readWait := 2*c.cfg.PingInterval() + c.cfg.WriteDeadline()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		c.missedPongs.Store(0)
		return c.ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.fail(protocol.Error(protocol.CodeBadFrame, "malformed frame", ""), protocol.CloseBadFrame, "bad frame")
			return
		}
		if !c.handleFrame(frame) {
			return
		}
	}
}

// handleFrame dispatches one client frame. It returns false when the
// connection must close.
func (c *conn) handleFrame(f protocol.ClientFrame) bool {
	if f.Type == protocol.TypePing {
		c.send(protocol.Pong(f.Nonce))
		return true
	}
	if f.SessionName == "" {
		c.fail(protocol.Error(protocol.CodeBadFrame, "missing sessionName", ""), protocol.CloseBadFrame, "bad frame")
		return false
	}

	switch f.Type {
	case protocol.TypeSubscribe:
		c.subscribe(f.SessionName)
	case protocol.TypeUnsubscribe:
		c.unsubscribe(f.SessionName)
	case protocol.TypeSendKeys:
		c.withSub(f.SessionName, func(e subEntry) error {
			return e.hub.Input(e.sub, []byte(f.Keys))
		})
	case protocol.TypeResize:
		c.withSub(f.SessionName, func(e subEntry) error {
			return e.hub.Resize(e.sub, int(f.Cols), int(f.Rows))
		})
	case protocol.TypeClaim:
		c.withSub(f.SessionName, func(e subEntry) error { return e.hub.Claim(e.sub) })
	case protocol.TypeRelease:
		c.withSub(f.SessionName, func(e subEntry) error { return e.hub.Release(e.sub) })
	case protocol.TypeForceRelease:
		c.withSub(f.SessionName, func(e subEntry) error { return e.hub.ForceRelease(e.sub) })
	default:
		c.fail(protocol.Error(protocol.CodeBadFrame, "unknown frame type", f.SessionName), protocol.CloseBadFrame, "bad frame")
		return false
	}
	return true
}

func (c *conn) subscribe(session string) {
	c.mu.Lock()
	_, exists := c.subs[session]
	c.mu.Unlock()
	if exists {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	h, err := c.registry.Resolve(ctx, session)
	cancel()
	if err != nil {
		code := protocol.CodeIO
		if errors.Is(err, multiplexer.ErrNotFound) {
			code = protocol.CodeNotFound
		}
		c.send(protocol.Error(code, "cannot subscribe", session))
		return
	}

	sub := hub.NewSubscriber(c.principal, session, c.id, c.cfg.OutputQueueSize, c.cfg.PriorityQueueSize)
	if err := h.Subscribe(sub); err != nil {
		c.send(protocol.Error(protocol.CodeSessionLost, "session hub closed", session))
		return
	}

	c.mu.Lock()
	c.subs[session] = subEntry{hub: h, sub: sub}
	c.mu.Unlock()

	go c.pump(sub)
}

func (c *conn) unsubscribe(session string) {
	c.mu.Lock()
	entry, ok := c.subs[session]
	delete(c.subs, session)
	c.mu.Unlock()
	if ok {
		_ = entry.hub.Unsubscribe(entry.sub)
	}
}

func (c *conn) withSub(session string, fn func(subEntry) error) {
	c.mu.Lock()
	entry, ok := c.subs[session]
	c.mu.Unlock()
	if !ok {
		c.send(protocol.Error(protocol.CodeNotFound, "not subscribed to session", session))
		return
	}
	entry.sub.Touch()
	if err := fn(entry); err != nil {
		// The hub tore down between dispatch and post.
		c.send(protocol.Error(protocol.CodeSessionLost, "session hub closed", session))
		c.unsubscribe(session)
	}
}

// pump forwards one subscriber's frames to the socket writer, priority
// lane first. After the removal signal it drains the priority lane so
// eviction and shutdown notices still reach the client.
func (c *conn) pump(sub *hub.Subscriber) {
	defer c.forget(sub.Session(), sub)
	for {
		select {
		case f := <-sub.Priority():
			c.send(f)
			continue
		default:
		}

		select {
		case f := <-sub.Priority():
			c.send(f)
		case f := <-sub.Output():
			c.send(f)
		case <-sub.Done():
			for {
				select {
				case f := <-sub.Priority():
					c.send(f)
				default:
					return
				}
			}
		case <-c.done:
			return
		}
	}
}

// forget clears the subs entry once the hub has removed this subscriber,
// so a later subscribe to the same session starts clean.
func (c *conn) forget(session string, sub *hub.Subscriber) {
	c.mu.Lock()
	if entry, ok := c.subs[session]; ok && entry.sub == sub {
		delete(c.subs, session)
	}
	c.mu.Unlock()
}

func (c *conn) send(f protocol.ServerFrame) {
	select {
	case c.sendCh <- outMsg{frame: f}:
	case <-c.done:
	}
}

// fail queues a final error frame together with the close directive that
// follows it on the wire.
func (c *conn) fail(f protocol.ServerFrame, closeCode int, closeText string) {
	select {
	case c.sendCh <- outMsg{frame: f, closeCode: closeCode, closeText: closeText}:
	case <-c.done:
	}
}

func (c *conn) writeLoop() {
	defer close(c.writerDone)
	ticker := time.NewTicker(c.cfg.PingInterval())
	defer ticker.Stop()

	for {
		select {
		case m := <-c.sendCh:
			if !c.writeMsg(m) {
				return
			}
		case <-ticker.C:
			// Two pings already sent with no pong back: give up before
			// queueing a third.
			if c.missedPongs.Load() >= 2 {
				c.closeWith(protocol.CloseInternal, "ping timeout")
				return
			}
			c.missedPongs.Add(1)
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteDeadline()))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeWith(protocol.CloseInternal, "write timeout")
				return
			}
		case <-c.done:
			// Flush whatever is already queued so terminal error frames
			// reach the client before the socket dies.
			for {
				select {
				case m := <-c.sendCh:
					if !c.writeMsg(m) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// writeMsg writes one message and returns false when the writer must stop.
func (c *conn) writeMsg(m outMsg) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteDeadline()))
	if err := c.ws.WriteJSON(m.frame); err != nil {
		c.log.Debug().Err(err).Msg("write failed")
		c.closeWith(protocol.CloseInternal, "write timeout")
		return false
	}
	if m.closeCode != 0 {
		c.closeWith(m.closeCode, m.closeText)
		return false
	}
	return true
}

func (c *conn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.ws.Close()
}

// teardown posts Unsubscribe to every hub this connection joined and
// releases the writer and pumps.
func (c *conn) teardown() {
	c.once.Do(func() {
		c.mu.Lock()
		entries := make([]subEntry, 0, len(c.subs))
		for _, e := range c.subs {
			entries = append(entries, e)
		}
		c.subs = make(map[string]subEntry)
		c.mu.Unlock()

		for _, e := range entries {
			_ = e.hub.Unsubscribe(e.sub)
		}
		close(c.done)
		// Let the writer flush queued frames before the socket closes;
		// its write deadline bounds the wait.
		<-c.writerDone
		_ = c.ws.Close()
		c.log.Debug().Msg("connection closed")
	})
}
