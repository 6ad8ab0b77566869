package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// evictWait bounds the close frame to a peer whose writer is stuck on a full socket.
	evictWait      = 250 * time.Millisecond
	maxMessageSize = 8 << 20
)

// peer is one connected websocket. The hub only ever enqueues frames; a single writer
// goroutine owns all data writes to the connection.
type peer struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newPeer(id string, conn *websocket.Conn, buffer int, logger *slog.Logger) *peer {
	return &peer{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger.With("peer", id),
	}
}

// enqueue never blocks. It returns false when the peer is closed or its queue is full.
func (p *peer) enqueue(frame []byte) bool {
	if p.closed() {
		return false
	}
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *peer) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// closeWith marks the peer closed, then sends a close frame, giving up after wait, before
// dropping the connection.
func (p *peer) closeWith(code int, text string, wait time.Duration) {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wait))
		_ = p.conn.Close()
	})
}

func (p *peer) writeLoop() {
	defer p.close()
	for {
		select {
		case frame := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.logger.Warn("failed to write message", "err", err)
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *peer) readMessage() ([]byte, error) {
	_, raw, err := p.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return raw, nil
}
