// Package wsconn implements the WebSocket transport for subscriptions,
// job progress, and workflow status (spec.md §6.2). gorilla/websocket
// does not support concurrent writers on one connection, so every
// outbound frame goes through a mutex-guarded wrapper.
package wsconn

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// safeConn serializes writes to an underlying *websocket.Conn, which
// panics on concurrent WriteMessage calls from two goroutines.
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newSafeConn(conn *websocket.Conn) *safeConn {
	return &safeConn{conn: conn}
}

func (c *safeConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *safeConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// ClientMessage is the envelope for every inbound frame (spec.md §6.2).
type ClientMessage struct {
	Type         string          `json:"type"`
	SubID        string          `json:"sub_id,omitempty"`
	FunctionName string          `json:"function,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	JobID        string          `json:"job_id,omitempty"`
	WorkflowRunID string         `json:"workflow_run_id,omitempty"`
	Token        string          `json:"token,omitempty"`
}

// ServerMessage is the envelope for every outbound frame (spec.md §6.2).
type ServerMessage struct {
	Type    string          `json:"type"`
	SubID   string          `json:"sub_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	JobID   string          `json:"job_id,omitempty"`
	Percent int             `json:"percent,omitempty"`
	Message string          `json:"message,omitempty"`
	RunID   string          `json:"run_id,omitempty"`
	Status  string          `json:"status,omitempty"`
	Step    string          `json:"step,omitempty"`
	Error   string          `json:"error,omitempty"`
}

const (
	ClientSubscribe         = "subscribe"
	ClientUnsubscribe       = "unsubscribe"
	ClientSubscribeJob      = "subscribe_job"
	ClientUnsubscribeJob    = "unsubscribe_job"
	ClientSubscribeWorkflow = "subscribe_workflow"
	ClientUnsubscribeWorkflow = "unsubscribe_workflow"
	ClientPing              = "ping"
	ClientAuth               = "auth"

	ServerConnected   = "connected"
	ServerPong        = "pong"
	ServerData        = "data"
	ServerJobUpdate   = "job_update"
	ServerWorkflowUpdate = "workflow_update"
	ServerSubscribed  = "subscribed"
	ServerUnsubscribed = "unsubscribed"
	ServerError       = "error"
)
