package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"

	"listentogether/internal/protocol"
)

var (
	errNotConnected  = errors.New("not connected")
	errSendQueueFull = errors.New("send queue full")
	errLinkClosed    = errors.New("link closed")
)

const dialTimeout = 30 * time.Second

// linkHooks are the link's notifications to the engine. Every hook is
// invoked from a link goroutine; the engine posts the work onto its own
// loop, so hooks must not block.
type linkHooks struct {
	onOpen         func()
	onMessage      func(protocol.Message)
	onReconnecting func(attempt, max int)
	onFailed       func(err error)
	// shouldReconnect is consulted after a drop or failed dial. When it
	// returns false the link goes idle and onFailed fires instead.
	shouldReconnect func() bool
}

// link owns the single WebSocket connection to the relay: dialing, the read
// loop, the protocol-level ping heartbeat, and backoff reconnection. It
// never touches session state; decoded frames are handed to the engine.
type link struct {
	cfg   Config
	hooks linkHooks
	logs  *LogBuffer

	mu       sync.Mutex
	wmu      sync.Mutex // serializes conn writes (engine loop vs heartbeat)
	conn     *websocket.Conn
	connStop context.CancelFunc
	gen      int
	dialing  bool
	closed   bool
	attempts int
	queue    [][]byte
	timer    *time.Timer
	lastPong time.Time
}

func newLink(cfg Config, logs *LogBuffer, hooks linkHooks) *link {
	return &link{cfg: cfg, hooks: hooks, logs: logs}
}

// Connect starts dialing unless already connected, dialing, or closed.
func (l *link) Connect() {
	l.mu.Lock()
	if l.closed || l.dialing || l.conn != nil {
		l.mu.Unlock()
		return
	}
	l.dialing = true
	l.mu.Unlock()

	go l.dial()
}

func (l *link) dial() {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	conn, _, err := websocket.Dial(ctx, l.cfg.ServerURL, nil)
	cancel()

	l.mu.Lock()
	l.dialing = false
	if l.closed {
		l.mu.Unlock()
		if err == nil {
			conn.Close(websocket.StatusNormalClosure, "client closed")
		}
		return
	}
	if err != nil {
		l.mu.Unlock()
		l.logs.Append(LevelWarning, "connection failed", err.Error())
		l.scheduleReconnect(err)
		return
	}

	l.gen++
	gen := l.gen
	l.conn = conn
	l.attempts = 0
	l.lastPong = time.Now()
	connCtx, connStop := context.WithCancel(context.Background())
	l.connStop = connStop
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()

	// Flush anything queued while reconnecting before the engine learns the
	// link is up, preserving send order.
	for _, frame := range pending {
		l.write(conn, frame)
	}

	go l.readLoop(conn, gen)
	go l.heartbeat(connCtx, conn, gen)
	l.hooks.onOpen()
}

func (l *link) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			l.handleDrop(gen, err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			l.logs.Append(LevelWarning, "malformed frame ignored", err.Error())
			continue
		}
		if msg.Type == protocol.MsgPong {
			l.mu.Lock()
			l.lastPong = time.Now()
			l.mu.Unlock()
		}
		l.hooks.onMessage(msg)
	}
}

// heartbeat sends protocol pings and treats a missing pong as a half-open
// connection, forcing the read loop to fail and the backoff cycle to start.
func (l *link) heartbeat(ctx context.Context, conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	frame, err := protocol.Encode(protocol.MsgPing, nil)
	if err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			stale := time.Since(l.lastPong) > 2*l.cfg.PingInterval+5*time.Second
			l.mu.Unlock()
			if stale {
				l.logs.Append(LevelWarning, "heartbeat timeout", "no pong from relay")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			if err := l.write(conn, frame); err != nil {
				return
			}
		}
	}
}

// Send writes a frame, or queues it while the link is down with a retry
// pending. A full queue is an error the caller must surface.
func (l *link) Send(frame []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errLinkClosed
	}
	conn := l.conn
	if conn == nil {
		retryPending := l.dialing || l.timer != nil
		if !retryPending {
			l.mu.Unlock()
			return errNotConnected
		}
		if len(l.queue) >= l.cfg.SendQueueCapacity {
			l.mu.Unlock()
			return errSendQueueFull
		}
		l.queue = append(l.queue, frame)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	return l.write(conn, frame)
}

func (l *link) write(conn *websocket.Conn, frame []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (l *link) handleDrop(gen int, err error) {
	l.mu.Lock()
	if l.closed || gen != l.gen || l.conn == nil {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	if l.connStop != nil {
		l.connStop()
		l.connStop = nil
	}
	l.mu.Unlock()

	l.logs.Append(LevelInfo, "connection lost", err.Error())
	l.scheduleReconnect(err)
}

func (l *link) scheduleReconnect(cause error) {
	if !l.hooks.shouldReconnect() {
		l.mu.Lock()
		l.attempts = 0
		l.queue = nil
		l.mu.Unlock()
		l.hooks.onFailed(cause)
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.attempts++
	attempt := l.attempts
	if attempt > l.cfg.MaxReconnects {
		l.attempts = 0
		l.queue = nil
		l.mu.Unlock()
		l.hooks.onFailed(fmt.Errorf("gave up after %d attempts: %w", l.cfg.MaxReconnects, cause))
		return
	}
	delay := l.backoffDelay(attempt)
	l.timer = time.AfterFunc(delay, func() {
		l.mu.Lock()
		l.timer = nil
		if l.closed || l.conn != nil || l.dialing {
			l.mu.Unlock()
			return
		}
		l.dialing = true
		l.mu.Unlock()
		l.dial()
	})
	l.mu.Unlock()

	l.logs.Append(LevelInfo, "reconnect scheduled",
		fmt.Sprintf("attempt %d/%d in %s", attempt, l.cfg.MaxReconnects, delay.Round(time.Millisecond)))
	l.hooks.onReconnecting(attempt, l.cfg.MaxReconnects)
}

// backoffDelay doubles up to the cap with 0-20% jitter on top.
func (l *link) backoffDelay(attempt int) time.Duration {
	shift := attempt - 1
	if shift > 10 {
		shift = 10
	}
	delay := l.cfg.InitialBackoff * time.Duration(1<<shift)
	if delay > l.cfg.MaxBackoff {
		delay = l.cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Float64() * 0.2 * float64(delay))
	return delay + jitter
}

// ForceReconnect drops any backoff wait and the current connection, then
// redials immediately with the attempt counter reset.
func (l *link) ForceReconnect() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.attempts = 0
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	conn := l.conn
	l.conn = nil
	l.gen++ // orphan the old read loop
	if l.connStop != nil {
		l.connStop()
		l.connStop = nil
	}
	dialing := l.dialing
	if !dialing {
		l.dialing = true
	}
	l.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "forcing reconnect")
	}
	if !dialing {
		go l.dial()
	}
}

// Close tears the link down for good. No hook fires afterwards.
func (l *link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	conn := l.conn
	l.conn = nil
	if l.connStop != nil {
		l.connStop()
		l.connStop = nil
	}
	l.queue = nil
	l.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnected")
	}
}
