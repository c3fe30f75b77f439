package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/morganlombard/Virtual-Game-Table/internal/protocol"
	"github.com/morganlombard/Virtual-Game-Table/internal/sim/engine"
)

var ErrClientClosed = errors.New("ws: client closed")

// Client connects one engine to a relay. It implements engine.Sender.
type Client struct {
	conn *websocket.Conn
	eng  *engine.Engine
	log  zerolog.Logger

	out  chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	bootCode string
	bootMsg  string
}

// Dial connects to url and sends the engine's JOIN. The engine's Run loop
// must already be running. Inbound traffic is delivered to the engine until
// the connection ends, at which point the engine gets its terminal notice.
func Dial(ctx context.Context, url string, eng *engine.Engine, logger zerolog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		conn: conn,
		eng:  eng,
		log:  logger.With().Str("component", "ws-client").Logger(),
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go c.writer()

	var joinErr error
	if err := eng.Do(ctx, func(e *engine.Engine) { joinErr = e.Connect(c) }); err != nil {
		c.Close()
		return nil, err
	}
	if joinErr != nil {
		c.Close()
		return nil, joinErr
	}
	go c.reader()
	return c, nil
}

// Send queues v for the writer. It blocks while the queue is full.
func (c *Client) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.out <- b:
		return nil
	case <-c.done:
		return ErrClientClosed
	}
}

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) writer() {
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping")
				c.Close()
				return
			}
		case b := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Debug().Err(err).Msg("write")
				c.Close()
				return
			}
		}
	}
}

func (c *Client) reader() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.done
		cancel()
	}()

	reason := "connection lost"
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				reason = "connection closed"
			}
			break
		}
		if err := c.dispatch(ctx, msg); err != nil {
			if !errors.Is(err, context.Canceled) {
				c.log.Debug().Err(err).Msg("deliver")
			}
			if errors.Is(err, engine.ErrClosed) {
				break
			}
		}
	}
	c.Close()

	c.mu.Lock()
	code, msg := c.bootCode, c.bootMsg
	c.mu.Unlock()
	if code != "" {
		reason = msg
	}
	c.eng.DeliverClosed(code, reason)
}

func (c *Client) dispatch(ctx context.Context, msg []byte) error {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return err
	}
	switch base.Type {
	case protocol.TypeSnapshot:
		var m protocol.SnapshotMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return err
		}
		return c.eng.DeliverSnapshot(ctx, m)
	case protocol.TypeBatch:
		var m protocol.BatchMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return err
		}
		return c.eng.DeliverBatch(ctx, m.Batch)
	case protocol.TypeRoster:
		var m protocol.RosterMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return err
		}
		return c.eng.DeliverRoster(ctx, m.Clients)
	case protocol.TypeDisconnect:
		var m protocol.DisconnectMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return err
		}
		return c.eng.DeliverDisconnect(ctx, m.ClientID)
	case protocol.TypeChat:
		var m protocol.ChatMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return err
		}
		return c.eng.DeliverChat(ctx, m)
	case protocol.TypeBooted:
		var m protocol.BootedMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return err
		}
		c.mu.Lock()
		c.bootCode, c.bootMsg = m.Code, m.Message
		c.mu.Unlock()
		return nil
	}
	return fmt.Errorf("unexpected message type %q", base.Type)
}
