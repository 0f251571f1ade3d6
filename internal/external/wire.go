package external

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// socketWire carries one envelope per WebSocket text message.
type socketWire struct {
	conn *websocket.Conn
}

// newSocketWire arms the read deadline so a peer that stops answering pings
// is eventually dropped. pingInterval of 0 leaves reads unbounded.
func newSocketWire(conn *websocket.Conn, pingInterval time.Duration) *socketWire {
	if pingInterval > 0 {
		pongWait := pingInterval * 2
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	return &socketWire{conn: conn}
}

func (w *socketWire) Read() ([]byte, error) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
				errors.Is(err, net.ErrClosed) {
				return nil, errPeerClosed
			}
			return nil, err
		}
		if mt == websocket.TextMessage {
			return data, nil
		}
	}
}

func (w *socketWire) Write(raw []byte, deadline time.Time) error {
	_ = w.conn.SetWriteDeadline(deadline)
	return w.conn.WriteMessage(websocket.TextMessage, raw)
}

func (w *socketWire) Ping(deadline time.Time) error {
	return w.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (w *socketWire) Close() error {
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.conn.Close()
}

// lineWire carries one envelope per newline-terminated line. Blank lines
// are skipped.
type lineWire struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func newLineWire(conn net.Conn, maxLine int) *lineWire {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	return &lineWire{conn: conn, scanner: sc}
}

func (w *lineWire) Read() ([]byte, error) {
	for w.scanner.Scan() {
		line := bytes.TrimSpace(w.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// the scanner reuses its buffer; the line outlives this call
		return bytes.Clone(line), nil
	}
	err := w.scanner.Err()
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil, errPeerClosed
	}
	return nil, err
}

func (w *lineWire) Write(raw []byte, deadline time.Time) error {
	_ = w.conn.SetWriteDeadline(deadline)
	buf := make([]byte, 0, len(raw)+1)
	buf = append(append(buf, raw...), '\n')
	_, err := w.conn.Write(buf)
	return err
}

func (w *lineWire) Ping(time.Time) error { return nil }

func (w *lineWire) Close() error {
	return w.conn.Close()
}
