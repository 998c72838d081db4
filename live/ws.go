package live

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// time allowed to read the next pong from the peer
	pongWait = 60 * time.Second
	// send pings at this interval; must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize   = 4096
	sendBufferSize = 64
)

// WSPusher adapts a websocket to the Pusher interface. All writes go through
// a single write pump goroutine because gorilla websockets permit at most one
// concurrent writer.
type WSPusher struct {
	ws   *websocket.Conn
	send chan Message
	done chan struct{}
	once sync.Once

	// per-connection monotonic sequence stamped onto every outbound frame so
	// clients can detect missed messages after a reconnect
	seq int64
}

func NewWSPusher(ws *websocket.Conn) *WSPusher {
	return &WSPusher{
		ws:   ws,
		send: make(chan Message, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Push queues a message for the write pump. Fails fast if the send buffer is
// full: a client that cannot drain its buffer is treated as dead, and the
// caller detaches the connection.
func (p *WSPusher) Push(ctx context.Context, msg Message) error {
	select {
	case p.send <- msg:
		return nil
	case <-p.done:
		return fmt.Errorf("websocket closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("websocket send buffer full")
	}
}

func (p *WSPusher) Close() {
	p.once.Do(func() {
		close(p.done)
	})
}

// WritePump owns the websocket writer. Blocks until the connection closes;
// run it on the handler goroutine after attaching the connection.
func (p *WSPusher) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.ws.Close()
	}()
	for {
		select {
		case msg := <-p.send:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Err(err).Msg("WritePump: marshal failed")
				continue
			}
			p.seq++
			data, _ = sjson.SetBytes(data, "seq", p.seq)
			if err := p.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			p.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// InboundMarkRead is a client->server frame on a room-scoped connection asking
// to advance the read checkpoint.
type InboundMarkRead struct {
	Through int64
}

// ReadPump drains inbound frames and keeps the pong deadline fresh. The only
// client->server frame recognised is {"kind":"mark_read","through":N}; anything
// else is ignored. Returns when the peer goes away.
func (p *WSPusher) ReadPump(onMarkRead func(InboundMarkRead)) {
	defer p.Close()
	p.ws.SetReadLimit(maxFrameSize)
	p.ws.SetReadDeadline(time.Now().Add(pongWait))
	p.ws.SetPongHandler(func(string) error {
		p.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("ReadPump: unexpected close")
			}
			return
		}
		if gjson.GetBytes(data, "kind").Str != "mark_read" {
			continue
		}
		through := gjson.GetBytes(data, "through")
		if !through.Exists() || onMarkRead == nil {
			continue
		}
		onMarkRead(InboundMarkRead{Through: through.Int()})
	}
}
