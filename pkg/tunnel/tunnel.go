// Package tunnel keeps a reverse channel open to the control plane so
// remote viewers can reach the agent's HTTP API through NAT.
package tunnel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 30 * time.Second

	writeWait = 10 * time.Second
)

// Shortened in tests.
var (
	pingInterval = 25 * time.Second
	pongWait     = 10 * time.Second
)

// Config identifies the control-plane endpoint. With any field empty
// the tunnel stays disabled; that is not an error.
type Config struct {
	URL     string
	Token   string
	AgentID string
}

// Enabled reports whether the tunnel has everything it needs to dial.
func (c Config) Enabled() bool {
	return c.URL != "" && c.Token != "" && c.AgentID != ""
}

// requestFrame is an HTTP request forwarded down the tunnel.
type requestFrame struct {
	Type       string            `json:"type"`
	RequestID  string            `json:"requestId"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	BodyBase64 string            `json:"bodyBase64,omitempty"`
}

// responseFrame carries the local handler's answer back up.
type responseFrame struct {
	Type       string            `json:"type"`
	RequestID  string            `json:"requestId"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	BodyBase64 string            `json:"bodyBase64,omitempty"`
}

// Client dials the control plane and executes forwarded requests
// against the injected handler, in process, without a network hop.
type Client struct {
	cfg     Config
	handler http.Handler
	log     *logrus.Entry
	dialer  *websocket.Dialer

	mu        sync.Mutex
	connected bool
}

// Option configures a Client.
type Option func(*Client)

// WithDialer overrides the websocket dialer, used by tests.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// New returns a tunnel client executing forwarded requests against
// handler.
func New(cfg Config, handler http.Handler, log *logrus.Entry, options ...Option) *Client {
	c := &Client{cfg: cfg, handler: handler, log: log, dialer: websocket.DefaultDialer}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Connected reports whether a tunnel session is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run keeps the tunnel connected until ctx is cancelled, reconnecting
// with exponential backoff. A disabled configuration returns nil
// immediately.
func (c *Client) Run(ctx context.Context) error {
	if !c.cfg.Enabled() {
		if c.log != nil {
			c.log.Info("tunnel not configured, staying disabled")
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectMin
	bo.MaxInterval = reconnectMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	for {
		opened, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && c.log != nil {
			c.log.WithError(err).Warn("tunnel session ended")
		}
		if opened {
			bo.Reset()
		}

		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session dials once and serves frames until the connection drops or
// ctx is cancelled. opened reports whether the dial succeeded, which
// resets the reconnect backoff.
func (c *Client) session(ctx context.Context) (opened bool, err error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)
	header.Set("X-Agent-Id", c.cfg.AgentID)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return false, errors.Wrapf(err, "tunnel dial rejected with status %d", resp.StatusCode)
		}
		return false, errors.Wrap(err, "tunnel dial failed")
	}
	defer conn.Close()
	if c.log != nil {
		c.log.Infof("tunnel connected to %s", c.cfg.URL)
	}
	c.setConnected(true)
	defer c.setConnected(false)

	var writeMu sync.Mutex
	writeJSON := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}

	// Each ping arms a pongWait read deadline; a missed pong lets it
	// lapse, which tears the session down and forces a reconnect. A
	// pong relaxes the deadline until the next ping is due.
	conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		return nil
	})

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sessionCtx.Done():
				return
			case <-ticker.C:
				writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					cancel()
					return
				}
				conn.SetReadDeadline(time.Now().Add(pongWait))
			}
		}
	}()

	// Shutdown closes the channel cleanly and prevents reconnect via
	// the caller's ctx check.
	go func() {
		<-sessionCtx.Done()
		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutting down"))
		writeMu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, nil
			}
			return true, errors.Wrap(err, "tunnel read failed")
		}

		frame := requestFrame{}
		if err := json.Unmarshal(data, &frame); err != nil {
			if c.log != nil {
				c.log.WithError(err).Warn("dropping malformed tunnel frame")
			}
			continue
		}
		if frame.Type != "http_request" {
			continue
		}
		go func(frame requestFrame) {
			if err := writeJSON(c.execute(sessionCtx, frame)); err != nil {
				cancel()
			}
		}(frame)
	}
}

// execute runs one forwarded request against the local handler. Local
// failures become a 500 response with a JSON error body rather than a
// dropped frame.
func (c *Client) execute(ctx context.Context, frame requestFrame) responseFrame {
	resp := responseFrame{Type: "http_response", RequestID: frame.RequestID}

	fail := func(err error) responseFrame {
		body, _ := json.Marshal(map[string]string{"error": err.Error()})
		resp.StatusCode = http.StatusInternalServerError
		resp.Headers = map[string]string{"Content-Type": "application/json"}
		resp.BodyBase64 = base64.StdEncoding.EncodeToString(body)
		return resp
	}

	var body []byte
	if frame.BodyBase64 != "" {
		b, err := base64.StdEncoding.DecodeString(frame.BodyBase64)
		if err != nil {
			return fail(errors.Wrap(err, "invalid request body encoding"))
		}
		body = b
	}

	req, err := http.NewRequestWithContext(ctx, frame.Method, frame.URL, bytes.NewReader(body))
	if err != nil {
		return fail(errors.Wrap(err, "invalid forwarded request"))
	}
	for k, v := range frame.Headers {
		req.Header.Set(k, v)
	}

	rec := &responseRecorder{header: http.Header{}, status: http.StatusOK}
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("handler panic: %v", r)
			}
		}()
		c.handler.ServeHTTP(rec, req)
	}()
	if err != nil {
		return fail(err)
	}

	resp.StatusCode = rec.status
	resp.Headers = map[string]string{}
	for k := range rec.header {
		resp.Headers[k] = rec.header.Get(k)
	}
	if rec.body.Len() > 0 {
		resp.BodyBase64 = base64.StdEncoding.EncodeToString(rec.body.Bytes())
	}
	return resp
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// responseRecorder is the in-process http.ResponseWriter forwarded
// requests are served into.
type responseRecorder struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) Write(b []byte) (int, error) { return r.body.Write(b) }

func (r *responseRecorder) WriteHeader(status int) { r.status = status }
