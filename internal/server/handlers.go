package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handlers serves the HTTP surface of the collaboration server.
type Handlers struct {
	hub      *Hub
	origins  *OriginPolicy
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandlers creates the HTTP handlers for hub.
func NewHandlers(hub *Hub, origins *OriginPolicy, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		hub:     hub,
		origins: origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.CheckOrigin,
		},
		logger: logger.Named("http"),
	}
}

// WebSocket upgrades the request and hands the connection to the hub. A
// clientId query parameter lets a reconnecting peer reclaim its membership
// before it sends anything.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	clientID := strings.TrimSpace(r.URL.Query().Get("clientId"))
	if len(clientID) > maxIdentifierLength {
		clientID = ""
	}

	session := NewSession(conn, h.hub, r.RemoteAddr, clientID)
	if !h.hub.Register(session) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
	}
}

// Health responds with a plain text banner.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "FlowSync collaboration server is running!")
}

type healthzResponse struct {
	Status      string `json:"status"`
	Rooms       int    `json:"rooms"`
	Connections int    `json:"connections"`
}

// Healthz reports liveness with room and connection counts.
func (h *Handlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.logger, healthzResponse{
		Status:      "ok",
		Rooms:       h.hub.Rooms().Len(),
		Connections: h.hub.SessionCount(),
	})
}

// ListRooms returns every live room with its member count.
func (h *Handlers) ListRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.logger, h.hub.Rooms().ListRooms())
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("error writing JSON response", zap.Error(err))
	}
}

// TestPage serves a small page for joining a room by hand and watching the
// frames the server sends.
func (h *Handlers) TestPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		h.logger.Warn("error writing HTML response", zap.Error(err))
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>FlowSync Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #events { border: 1px solid #ccc; height: 320px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; font-family: monospace; }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>FlowSync Test</h1>
    <div id="status" class="status disconnected">Disconnected</div>
    <div>
        <input type="text" id="roomInput" placeholder="Room id" value="lobby">
        <input type="text" id="clientInput" placeholder="Client id">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
        <button onclick="leave()">Leave</button>
    </div>
    <div>
        <input type="text" id="cursorInput" placeholder="Cursor position">
        <button onclick="sendPresence()">Send presence</button>
    </div>
    <div id="events"></div>
    <script>
        let ws = null;
        const events = document.getElementById('events');
        const statusDiv = document.getElementById('status');
        const connectButton = document.getElementById('connectButton');

        function log(text) {
            const line = document.createElement('div');
            line.textContent = text;
            events.appendChild(line);
            events.scrollTop = events.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const clientId = document.getElementById('clientInput').value.trim();
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const query = clientId ? '?clientId=' + encodeURIComponent(clientId) : '';
            ws = new WebSocket(scheme + location.host + '/ws' + query);
            ws.onopen = function() {
                updateStatus(true);
                ws.send(JSON.stringify({
                    type: 'join-room',
                    roomId: document.getElementById('roomInput').value.trim(),
                    clientId: clientId
                }));
            };
            ws.onmessage = function(event) { log(event.data); };
            ws.onclose = function(event) {
                log('closed (' + event.code + ')');
                updateStatus(false);
                ws = null;
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function leave() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ type: 'leave-room' }));
            }
        }

        function sendPresence() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                const cursor = parseInt(document.getElementById('cursorInput').value, 10) || 0;
                ws.send(JSON.stringify({ type: 'awareness-update', state: { cursor: cursor } }));
            }
        }
    </script>
</body>
</html>`
