package external

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/danmuck/panesync/internal/protocol/jsonrpc"
	"github.com/danmuck/panesync/internal/rpc"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const clientWriteTimeout = 10 * time.Second

// Client is an external caller over WebSocket or NDJSON. The embedded
// rpc.Client provides Call, CallInto, Do and Subscribe.
type Client struct {
	*rpc.Client

	wire    wire
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// DialWebSocket connects to a /ws endpoint, e.g. ws://127.0.0.1:59650/ws.
func DialWebSocket(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newClient(newSocketWire(conn, 0)), nil
}

// DialNDJSON connects to the line-delimited TCP endpoint.
func DialNDJSON(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newClient(newLineWire(conn, 16<<20)), nil
}

func newClient(w wire) *Client {
	c := &Client{wire: w, done: make(chan struct{})}
	c.Client = rpc.NewClient(c.sendRequest, rpc.ClientOptions{})
	go c.readLoop()
	return c
}

func (c *Client) sendRequest(_ context.Context, req jsonrpc.Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.wire.Write(raw, time.Now().Add(clientWriteTimeout))
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		raw, err := c.wire.Read()
		if err != nil {
			if errors.Is(err, errPeerClosed) {
				err = rpc.ErrClientClosed
			}
			c.Client.Close(err)
			return
		}
		var resp jsonrpc.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			log.Warn().Msgf("external.Client.readLoop undecodable envelope err=%v", err)
			continue
		}
		c.HandleResponse(resp)
	}
}

// Done closes when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the connection and fails outstanding calls.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		err = c.wire.Close()
		<-c.done
	})
	return err
}
