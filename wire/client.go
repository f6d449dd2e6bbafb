package wire

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Client is a websocket connection to the relay used by the backend
// processes. Writes are serialized; reads belong to a single loop.
type Client struct {
	conn     *websocket.Conn
	writeMtx sync.Mutex
}

func Dial(relayURL string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay at %s: %w", relayURL, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Send(envelope *Envelope) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	return c.conn.WriteJSON(envelope)
}

// ReadEnvelope blocks until the next envelope arrives on the connection.
func (c *Client) ReadEnvelope() (*Envelope, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return ParseEnvelope(data)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
