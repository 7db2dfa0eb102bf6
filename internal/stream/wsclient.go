package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const defaultOpenAPIBase = "https://api.dingtalk.com"

// frame is the wire representation of one stream message, both directions.
type frame struct {
	SpecVersion string            `json:"specVersion,omitempty"`
	Type        string            `json:"type,omitempty"`
	Code        int               `json:"code,omitempty"`
	Message     string            `json:"message,omitempty"`
	Headers     map[string]string `json:"headers"`
	Data        string            `json:"data"`
}

// connectionTicket is the response of the gateway connections/open call.
type connectionTicket struct {
	Endpoint string `json:"endpoint"`
	Ticket   string `json:"ticket"`
}

// WSClientOpts holds parameters for creating a websocket stream client.
type WSClientOpts struct {
	ClientID     string
	ClientSecret string
	// BaseURL overrides the DingTalk open API base, used by tests.
	BaseURL    string
	HTTPClient *http.Client
	Log        zerolog.Logger
}

// WSClient is the production stream Client: it registers a callback
// subscription for robot messages, dials the returned websocket endpoint
// and pumps callback frames into the events channel.
type WSClient struct {
	clientID     string
	clientSecret string
	baseURL      string
	httpc        *http.Client
	log          zerolog.Logger

	events   chan Envelope
	closedCh chan struct{}
	runWG    sync.WaitGroup

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  bool
}

// NewWSClient creates a websocket stream client.
func NewWSClient(opts WSClientOpts) (*WSClient, error) {
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, fmt.Errorf("stream: client id and secret are required")
	}
	base := opts.BaseURL
	if base == "" {
		base = defaultOpenAPIBase
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 15 * time.Second}
	}
	return &WSClient{
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		baseURL:      base,
		httpc:        httpc,
		log:          opts.Log,
		events:       make(chan Envelope, 64),
		closedCh:     make(chan struct{}),
	}, nil
}

// Connect obtains a connection ticket and dials the websocket endpoint.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("stream: client already closed")
	}
	c.mu.Unlock()

	ticket, err := c.openConnection(ctx)
	if err != nil {
		return err
	}

	url := ticket.Endpoint + "?ticket=" + ticket.Ticket
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("stream: dial %s: %w", ticket.Endpoint, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// openConnection registers the robot callback subscription and returns the
// websocket endpoint plus ticket.
func (c *WSClient) openConnection(ctx context.Context) (*connectionTicket, error) {
	body, err := json.Marshal(map[string]any{
		"clientId":     c.clientID,
		"clientSecret": c.clientSecret,
		"ua":           "dingbridge/1.0",
		"subscriptions": []map[string]string{
			{"type": "CALLBACK", "topic": TopicRobot},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("stream: marshal open request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1.0/gateway/connections/open", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("stream: open request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream: open connection: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stream: open connection: status %d: %s", resp.StatusCode, raw)
	}

	var ticket connectionTicket
	if err := json.Unmarshal(raw, &ticket); err != nil {
		return nil, fmt.Errorf("stream: decode open response: %w", err)
	}
	if ticket.Endpoint == "" || ticket.Ticket == "" {
		return nil, fmt.Errorf("stream: open connection: empty endpoint or ticket")
	}
	return &ticket, nil
}

// Run pumps frames from the websocket until the connection drops or ctx is
// done. System pings are answered inline; callback frames are forwarded to
// the events channel.
func (c *WSClient) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("stream: run after close")
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("stream: run before connect")
	}
	c.runWG.Add(1)
	c.mu.Unlock()
	defer c.runWG.Done()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return nil
			}
			return fmt.Errorf("stream: read: %w", err)
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.log.Debug().Err(err).Msg("discarding unparseable stream frame")
			continue
		}

		topic := f.Headers["topic"]
		messageID := f.Headers["messageId"]

		switch {
		case f.Type == "SYSTEM" && topic == TopicPing:
			c.writeFrame(frame{
				Code:    200,
				Message: "OK",
				Headers: map[string]string{"contentType": "application/json", "messageId": messageID},
				Data:    f.Data,
			})
		case f.Type == "SYSTEM" && topic == TopicDisconnect:
			return fmt.Errorf("stream: server requested disconnect")
		case f.Type == "CALLBACK":
			// Close may race a full events buffer; a parked delivery must
			// unblock instead of sending on a closed channel.
			select {
			case c.events <- Envelope{ID: messageID, Topic: topic, Data: []byte(f.Data)}:
			case <-c.closedCh:
				return nil
			}
		default:
			c.log.Debug().Str("type", f.Type).Str("topic", topic).Msg("ignoring stream frame")
		}
	}
}

// Events returns the callback envelope channel.
func (c *WSClient) Events() <-chan Envelope {
	return c.events
}

// Ack responds to the delivery identified by envelopeID.
func (c *WSClient) Ack(envelopeID string, payload AckPayload) {
	data, err := json.Marshal(map[string]any{"response": payload})
	if err != nil {
		return
	}
	c.writeFrame(frame{
		Code:    200,
		Message: "OK",
		Headers: map[string]string{"contentType": "application/json", "messageId": envelopeID},
		Data:    string(data),
	})
}

// Close tears down the connection and closes the events channel. The
// events channel is closed only after every Run loop has exited, so a
// delivery racing shutdown is dropped rather than sent on a closed channel.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.closedCh)
	if conn != nil {
		conn.Close()
	}
	c.runWG.Wait()
	close(c.events)
	return nil
}

func (c *WSClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *WSClient) writeFrame(f frame) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		c.log.Debug().Err(err).Msg("stream write failed")
	}
}
