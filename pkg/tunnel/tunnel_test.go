package tunnel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func testHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/ping", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"pong": req.Header.Get("X-Probe")})
	}).Methods(http.MethodGet)
	return r
}

// tunnelServer upgrades one connection and hands it to fn.
func tunnelServer(t *testing.T, fn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		require.Equal(t, "agent-1", r.Header.Get("X-Agent-Id"))
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func runTunnel(t *testing.T, srv *httptest.Server) (*Client, context.CancelFunc, chan struct{}) {
	t.Helper()
	c := New(Config{URL: wsURL(srv), Token: "sekrit", AgentID: "agent-1"}, testHandler(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Run(ctx); err != nil {
			t.Error(err)
		}
	}()
	return c, cancel, done
}

func TestTunnelForwardsRequests(t *testing.T) {
	responses := make(chan responseFrame, 1)
	srv := tunnelServer(t, func(conn *websocket.Conn) {
		require.NoError(t, conn.WriteJSON(requestFrame{
			Type:      "http_request",
			RequestID: "r1",
			Method:    http.MethodGet,
			URL:       "/v1/ping",
			Headers:   map[string]string{"X-Probe": "hello"},
		}))
		resp := responseFrame{}
		require.NoError(t, conn.ReadJSON(&resp))
		responses <- resp
	})

	_, cancel, done := runTunnel(t, srv)
	defer func() { cancel(); <-done }()

	select {
	case resp := <-responses:
		require.Equal(t, "http_response", resp.Type)
		require.Equal(t, "r1", resp.RequestID)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "application/json", resp.Headers["Content-Type"])
		body, err := base64.StdEncoding.DecodeString(resp.BodyBase64)
		require.NoError(t, err)
		require.JSONEq(t, `{"pong":"hello"}`, string(body))
	case <-time.After(5 * time.Second):
		t.Fatal("no response frame")
	}
}

func TestTunnelRoutesMissesTo404(t *testing.T) {
	responses := make(chan responseFrame, 1)
	srv := tunnelServer(t, func(conn *websocket.Conn) {
		require.NoError(t, conn.WriteJSON(requestFrame{
			Type:      "http_request",
			RequestID: "r2",
			Method:    http.MethodGet,
			URL:       "/nope",
		}))
		resp := responseFrame{}
		require.NoError(t, conn.ReadJSON(&resp))
		responses <- resp
	})

	_, cancel, done := runTunnel(t, srv)
	defer func() { cancel(); <-done }()

	select {
	case resp := <-responses:
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	case <-time.After(5 * time.Second):
		t.Fatal("no response frame")
	}
}

func TestTunnelLocalErrorYields500(t *testing.T) {
	responses := make(chan responseFrame, 1)
	srv := tunnelServer(t, func(conn *websocket.Conn) {
		require.NoError(t, conn.WriteJSON(requestFrame{
			Type:       "http_request",
			RequestID:  "r3",
			Method:     http.MethodPost,
			URL:        "/v1/ping",
			BodyBase64: "%%% not base64 %%%",
		}))
		resp := responseFrame{}
		require.NoError(t, conn.ReadJSON(&resp))
		responses <- resp
	})

	_, cancel, done := runTunnel(t, srv)
	defer func() { cancel(); <-done }()

	select {
	case resp := <-responses:
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		body, err := base64.StdEncoding.DecodeString(resp.BodyBase64)
		require.NoError(t, err)
		errBody := map[string]string{}
		require.NoError(t, json.Unmarshal(body, &errBody))
		require.NotEmpty(t, errBody["error"])
	case <-time.After(5 * time.Second):
		t.Fatal("no response frame")
	}
}

func TestTunnelDisabled(t *testing.T) {
	c := New(Config{}, testHandler(), nil)
	require.NoError(t, c.Run(context.Background()))
}

func TestTunnelShutdownClosesCleanly(t *testing.T) {
	closed := make(chan struct{})
	srv := tunnelServer(t, func(conn *websocket.Conn) {
		// Block on reads; a clean close surfaces as a close error.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					close(closed)
				}
				return
			}
		}
	})

	c, cancel, done := runTunnel(t, srv)

	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel did not stop")
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw a normal closure")
	}
}

func TestTunnelMissedPongReconnects(t *testing.T) {
	oldPing, oldPong := pingInterval, pongWait
	pingInterval, pongWait = 40*time.Millisecond, 40*time.Millisecond
	defer func() { pingInterval, pongWait = oldPing, oldPong }()

	dials := make(chan struct{}, 4)
	srv := tunnelServer(t, func(conn *websocket.Conn) {
		dials <- struct{}{}
		// Swallow pings so the peer looks alive but half-open.
		conn.SetPingHandler(func(string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	_, cancel, done := runTunnel(t, srv)
	defer func() { cancel(); <-done }()

	// The first session must die on the lapsed pong deadline and a
	// fresh dial must follow.
	for i := 0; i < 2; i++ {
		select {
		case <-dials:
		case <-time.After(5 * time.Second):
			t.Fatal("tunnel did not reconnect after missed pongs")
		}
	}
}

func TestAnnouncer(t *testing.T) {
	calls := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		calls <- r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewAnnouncer(srv.URL, "sekrit", AgentInfo{AgentID: "agent-1", Version: "test"}, nil)
	require.True(t, a.Enabled())

	require.NoError(t, a.Announce(context.Background()))
	require.Equal(t, "/v1/agents/announce", <-calls)

	require.NoError(t, a.Heartbeat(context.Background()))
	require.Equal(t, "/v1/agents/agent-1/heartbeat", <-calls)
}

func TestAnnouncerDisabled(t *testing.T) {
	a := NewAnnouncer("", "", AgentInfo{}, nil)
	require.False(t, a.Enabled())

	// Run with nothing configured returns immediately.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	doneBy := time.Now().Add(time.Second)
	a.Run(ctx, time.Minute)
	require.True(t, time.Now().Before(doneBy))
}
