// Package transport maintains one endpoint's connection to the relay and
// exchanges decoded signaling messages over it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/lancall/internal/signaling"
	"github.com/1ureka/lancall/internal/util"
)

var (
	// ErrConnection is returned when the relay cannot be reached.
	ErrConnection = errors.New("transport: connection failed")

	// ErrSend is returned when sending on a closed client.
	ErrSend = errors.New("transport: connection closed")
)

const (
	sendBufferSize = 64 // outgoing frame channel capacity
	recvBufferSize = 64 // decoded inbound message channel capacity
	closeWait      = time.Second
)

// Client is one outbound connection to a relay. Sends are delivered in call
// order by a single writer goroutine; a separate reader goroutine decodes
// inbound frames, so receiving never blocks sending.
//
// A Client is not restartable: once closed, dial a new one.
type Client struct {
	conn *websocket.Conn

	outbox   chan []byte
	inbox    chan signaling.Message
	quit     chan struct{} // closed to stop the writer
	quitOnce sync.Once

	sendMu sync.Mutex // orders Send against the writer's final drain
	sealed bool       // set once the writer stops taking frames

	closed    chan struct{} // closed once both loops have exited
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the relay at url (e.g. ws://192.168.1.5:8765/ws).
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, url, err)
	}

	c := &Client{
		conn:   conn,
		outbox: make(chan []byte, sendBufferSize),
		inbox:  make(chan signaling.Message, recvBufferSize),
		quit:   make(chan struct{}),
		closed: make(chan struct{}),
	}

	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()
	go func() {
		c.wg.Wait()
		c.closeOnce.Do(func() { close(c.closed) })
	}()

	return c, nil
}

// Send enqueues msg for transmission. It fails with ErrSend once the
// connection has closed.
func (c *Client) Send(msg signaling.Message) error {
	data, err := signaling.Encode(msg)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sealed {
		return fmt.Errorf("%w: dropping %s", ErrSend, msg.Type())
	}
	select {
	case c.outbox <- data:
		return nil
	case <-c.quit:
		return fmt.Errorf("%w: dropping %s", ErrSend, msg.Type())
	}
}

// seal makes every later Send fail. Frames queued before it are still
// drained by the writer.
func (c *Client) seal() {
	c.sendMu.Lock()
	c.sealed = true
	c.sendMu.Unlock()
}

// Messages returns the inbound message sequence. The channel is closed when
// the connection ends.
func (c *Client) Messages() <-chan signaling.Message {
	return c.inbox
}

// Closed returns a channel that is closed exactly once, after the connection
// has ended and Messages has been closed.
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}

// Close flushes queued sends, closes the connection and waits for both loops
// to exit. Safe to call more than once.
func (c *Client) Close() error {
	c.stop()
	<-c.closed
	return nil
}

func (c *Client) stop() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// writeLoop is the single writer. On quit it drains whatever is queued so a
// final Hangup still reaches the relay, then closes the socket.
func (c *Client) writeLoop() {
	defer c.wg.Done()
	defer c.conn.Close()
	defer c.seal()

	for {
		select {
		case data := <-c.outbox:
			if err := c.write(data); err != nil {
				util.LogWarning("relay write failed: %v", err)
				c.stop()
				return
			}

		case <-c.quit:
			c.seal()
			for {
				select {
				case data := <-c.outbox:
					if err := c.write(data); err != nil {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(closeWait))
					return
				}
			}
		}
	}
}

func (c *Client) write(data []byte) error {
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	util.Stats.AddSent(len(data))
	return nil
}

// readLoop decodes inbound frames. Malformed and unknown frames are logged
// and skipped; the sequence only ends when the connection does.
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.inbox)
	defer c.stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.quit:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					util.LogWarning("relay connection lost: %v", err)
				}
			}
			return
		}
		util.Stats.AddRecv(len(data))

		msg, err := signaling.Decode(data)
		if err != nil {
			util.Stats.AddDropped()
			util.LogWarning("ignoring inbound frame: %v", err)
			continue
		}

		select {
		case c.inbox <- msg:
		case <-c.quit:
			return
		}
	}
}
