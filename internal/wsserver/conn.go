package wsserver

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// EndFrame terminates every logical message.
const EndFrame = "--END--"

const writeWait = 30 * time.Second

// Conn frames logical messages over a websocket. Sends are serialised so
// concurrent exchanges on one connection never interleave frames.
type Conn struct {
	ws       *websocket.Conn
	rate     int
	maxBytes int

	wmu    sync.Mutex
	once   sync.Once
	closed chan struct{}
}

func newConn(ws *websocket.Conn, rate, maxBytes int) *Conn {
	return &Conn{ws: ws, rate: rate, maxBytes: maxBytes, closed: make(chan struct{})}
}

// Receive reads frames until the end sentinel and returns their
// concatenation. A blank frame closes the connection.
func (c *Conn) Receive() (string, error) {
	var b strings.Builder
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.Close()
			return "", ErrConnectionClosed
		}
		frame := string(data)
		if frame == EndFrame {
			return b.String(), nil
		}
		if strings.TrimSpace(frame) == "" {
			c.Close()
			return "", ErrConnectionClosed
		}
		if c.maxBytes > 0 && b.Len()+len(frame) > c.maxBytes {
			c.Close()
			return "", errors.New("message too large")
		}
		b.WriteString(frame)
	}
}

// Send writes msg as frames of at most rate bytes followed by the end
// sentinel. Frames are cut on rune boundaries.
func (c *Conn) Send(msg string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	for _, frame := range splitFrames(msg, c.rate) {
		if err := c.write(frame); err != nil {
			return err
		}
	}
	return c.write(EndFrame)
}

func (c *Conn) write(frame string) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		c.Close()
		return ErrConnectionClosed
	}
	return nil
}

// Close sends a close frame, best effort, and releases the socket.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

func splitFrames(msg string, rate int) []string {
	if rate <= 0 || len(msg) <= rate {
		if msg == "" {
			return nil
		}
		return []string{msg}
	}
	var frames []string
	for len(msg) > 0 {
		end := min(rate, len(msg))
		for end < len(msg) && end > 0 && !utf8.RuneStart(msg[end]) {
			end--
		}
		if end == 0 {
			end = min(rate, len(msg))
		}
		frames = append(frames, msg[:end])
		msg = msg[end:]
	}
	return frames
}
