package rpc

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/openkasse/kassad/internal/auth"
)

// Response status values.
const (
	StatusSuccess          = "success"
	StatusError            = "error"
	StatusAlreadyProcessed = "already_processed"
)

// Request is one inbound client frame.
type Request struct {
	OperationID string          `json:"operationId"`
	Command     string          `json:"command"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Response is one outbound frame, solicited or broadcast.
type Response struct {
	OperationID string      `json:"operationId,omitempty"`
	Command     string      `json:"command"`
	Status      string      `json:"status"`
	Payload     interface{} `json:"payload,omitempty"`
	Channel     string      `json:"channel"`
	ServerTime  string      `json:"serverTime"`
}

// ErrorPayload is the payload of a status=error response.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func newResponse(operationID, command, status string, payload interface{}) Response {
	return Response{
		OperationID: operationID,
		Command:     command,
		Status:      status,
		Payload:     payload,
		Channel:     "websocket",
		ServerTime:  time.Now().UTC().Format(time.RFC3339),
	}
}

// Client is the per-connection state the dispatcher sees. The session is set
// by login and cleared by logout.
type Client struct {
	ID string

	mu      sync.RWMutex
	session *auth.Session
}

func NewClient(id string) *Client { return &Client{ID: id} }

func (c *Client) Session() *auth.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Client) setSession(s *auth.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// UserID is the logged-in operator, 0 when anonymous.
func (c *Client) UserID() int64 {
	if s := c.Session(); s != nil {
		return s.UserID
	}
	return 0
}
