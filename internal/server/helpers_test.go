package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/flowsync/internal/config"
)

const (
	testOrigin  = "http://localhost:3000"
	testWait    = 2 * time.Second
	testGrace   = 300 * time.Millisecond
	quietPeriod = 250 * time.Millisecond
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.AllowedOrigins = []string{testOrigin}
	cfg.Grace.Window = testGrace
	cfg.RateLimit.Burst = 1000
	cfg.ShutdownTimeout = 2 * time.Second
	return &cfg
}

type testEnv struct {
	t     *testing.T
	srv   *Server
	ts    *httptest.Server
	wsURL string
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	srv := New(cfg, zap.NewNop())
	go srv.Hub().Run()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Hub().Shutdown(2 * time.Second)
		ts.Close()
	})

	return &testEnv{
		t:     t,
		srv:   srv,
		ts:    ts,
		wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (e *testEnv) roomCounts() map[string]int {
	counts := make(map[string]int)
	for _, info := range e.srv.Rooms().ListRooms() {
		counts[info.ID] = info.Clients
	}
	return counts
}

// frame is the union of every server-to-client message.
type frame struct {
	Type        string                     `json:"type"`
	TransportID string                     `json:"transportId"`
	RoomID      string                     `json:"roomId"`
	Epoch       string                     `json:"epoch"`
	Update      []byte                     `json:"update"`
	From        string                     `json:"from"`
	State       json.RawMessage            `json:"state"`
	States      map[string]json.RawMessage `json:"states"`
	ClientID    string                     `json:"clientId"`
	UserID      string                     `json:"userId"`
}

type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan frame
	id     string
}

// dial connects, waits for the welcome frame, and records the transport id.
func (e *testEnv) dial(clientID string) *testClient {
	e.t.Helper()

	target := e.wsURL
	if clientID != "" {
		target += "?clientId=" + url.QueryEscape(clientID)
	}
	header := http.Header{}
	header.Set("Origin", testOrigin)

	conn, resp, err := websocket.DefaultDialer.Dial(target, header)
	require.NoError(e.t, err)
	_ = resp.Body.Close()

	c := &testClient{t: e.t, conn: conn, frames: make(chan frame, 128)}
	go c.readLoop()
	e.t.Cleanup(func() { _ = conn.Close() })

	welcome := c.next()
	require.Equal(e.t, TypeWelcome, welcome.Type)
	require.NotEmpty(e.t, welcome.TransportID)
	c.id = welcome.TransportID
	return c
}

func (c *testClient) readLoop() {
	defer close(c.frames)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		c.frames <- f
	}
}

func (c *testClient) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

func (c *testClient) join(roomID, clientID string) {
	c.t.Helper()
	c.send(map[string]string{"type": TypeJoinRoom, "roomId": roomID, "clientId": clientID})
}

// joinAndSync joins roomID and consumes the snapshot and presence frames.
func (c *testClient) joinAndSync(roomID, clientID string) frame {
	c.t.Helper()
	c.join(roomID, clientID)
	sync := c.expect(TypeSyncDoc)
	c.expect(TypePresenceSync)
	return sync
}

func (c *testClient) sendUpdate(update []byte) {
	c.t.Helper()
	c.send(map[string]any{"type": TypeDocUpdate, "update": update})
}

// next returns the next frame, failing if none arrives in time.
func (c *testClient) next() frame {
	c.t.Helper()
	select {
	case f, ok := <-c.frames:
		require.True(c.t, ok, "connection closed while waiting for a frame")
		return f
	case <-time.After(testWait):
		require.FailNow(c.t, "timed out waiting for a frame")
		return frame{}
	}
}

// expect skips frames until one of type typ arrives.
func (c *testClient) expect(typ string) frame {
	c.t.Helper()
	deadline := time.After(testWait)
	for {
		select {
		case f, ok := <-c.frames:
			require.True(c.t, ok, "connection closed while waiting for %s", typ)
			if f.Type == typ {
				return f
			}
		case <-deadline:
			require.FailNow(c.t, "timed out waiting for "+typ)
			return frame{}
		}
	}
}

// expectNone fails if a frame of any of the given types arrives within d.
func (c *testClient) expectNone(d time.Duration, types ...string) {
	c.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return
			}
			for _, typ := range types {
				require.NotEqual(c.t, typ, f.Type, "unexpected %s frame", typ)
			}
		case <-deadline:
			return
		}
	}
}

// expectClosed waits for the server to end the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()
	deadline := time.After(testWait)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return
			}
		case <-deadline:
			require.FailNow(c.t, "connection was not closed")
		}
	}
}

// drop kills the TCP connection without a close handshake.
func (c *testClient) drop() {
	_ = c.conn.NetConn().Close()
}

// closeCleanly sends a normal close frame before closing.
func (c *testClient) closeCleanly() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.conn.Close()
}
