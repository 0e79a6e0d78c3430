package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultReadLimit    = 512 * 1024
	defaultSendQueue    = 64
	pongWait            = 60 * time.Second
	pingInterval        = 54 * time.Second
	writeWait           = 10 * time.Second
)

// WebSocketServer upgrades HTTP requests and pumps frames between clients
// and the dispatcher. Commands are handled serially per connection and in
// parallel across connections.
type WebSocketServer struct {
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
	readLimit  int64
	sendQueue  int

	mu          sync.RWMutex
	connections map[string]*wsConnection

	log zerolog.Logger
}

type wsConnection struct {
	client *Client
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

func NewWebSocketServer(dispatcher *Dispatcher, readLimit int64, sendQueue int, logger zerolog.Logger) *WebSocketServer {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	if sendQueue <= 0 {
		sendQueue = defaultSendQueue
	}
	ws := &WebSocketServer{
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		readLimit:   readLimit,
		sendQueue:   sendQueue,
		connections: make(map[string]*wsConnection),
		log:         logger.With().Str("component", "websocket").Logger(),
	}
	dispatcher.SetBroadcaster(ws)
	return ws
}

// ServeHTTP handles the websocket upgrade and runs the connection pumps.
func (ws *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	// The request context dies when ServeHTTP returns; the connection
	// outlives it, so commands run under a per-connection context that is
	// cancelled only when the connection closes.
	ctx, cancel := context.WithCancel(context.Background())
	wc := &wsConnection{
		client: NewClient(uuid.NewString()),
		conn:   conn,
		send:   make(chan []byte, ws.sendQueue),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	ws.mu.Lock()
	ws.connections[wc.client.ID] = wc
	ws.mu.Unlock()
	ws.log.Info().Str("client", wc.client.ID).Msg("Client connected")

	go ws.writePump(wc)
	ws.enqueue(wc, ws.dispatcher.InitialPush(ctx))
	go ws.readPump(ctx, wc)
}

func (ws *WebSocketServer) readPump(ctx context.Context, wc *wsConnection) {
	defer ws.closeConnection(wc)

	wc.conn.SetReadLimit(ws.readLimit)
	wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	wc.conn.SetPongHandler(func(string) error {
		wc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.log.Warn().Err(err).Str("client", wc.client.ID).Msg("Read failed")
			}
			return
		}
		resp := ws.dispatcher.Dispatch(ctx, wc.client, raw)
		ws.enqueue(wc, resp)
	}
}

func (ws *WebSocketServer) writePump(wc *wsConnection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wc.done:
			return
		case msg := <-wc.send:
			wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				ws.closeConnection(wc)
				return
			}
		case <-ticker.C:
			wc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.closeConnection(wc)
				return
			}
		}
	}
}

func (ws *WebSocketServer) enqueue(wc *wsConnection, resp Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		ws.log.Error().Err(err).Msg("Failed to encode response")
		return
	}
	select {
	case wc.send <- raw:
	default:
		// Slow consumer: drop the connection rather than block the server.
		ws.log.Warn().Str("client", wc.client.ID).Msg("Send queue full, dropping connection")
		ws.closeConnection(wc)
	}
}

// Broadcast pushes a frame to every connection except the originator.
func (ws *WebSocketServer) Broadcast(excludeClientID string, resp Response) {
	ws.mu.RLock()
	targets := make([]*wsConnection, 0, len(ws.connections))
	for id, wc := range ws.connections {
		if id != excludeClientID {
			targets = append(targets, wc)
		}
	}
	ws.mu.RUnlock()

	for _, wc := range targets {
		ws.enqueue(wc, resp)
	}
}

func (ws *WebSocketServer) closeConnection(wc *wsConnection) {
	wc.once.Do(func() {
		ws.mu.Lock()
		delete(ws.connections, wc.client.ID)
		ws.mu.Unlock()
		wc.cancel()
		close(wc.done)
		wc.conn.Close()
		ws.log.Info().Str("client", wc.client.ID).Msg("Client disconnected")
	})
}

// CloseAll terminates every connection; used on shutdown.
func (ws *WebSocketServer) CloseAll() {
	ws.mu.RLock()
	targets := make([]*wsConnection, 0, len(ws.connections))
	for _, wc := range ws.connections {
		targets = append(targets, wc)
	}
	ws.mu.RUnlock()

	for _, wc := range targets {
		ws.closeConnection(wc)
	}
}
