package wsconn

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/forge-db/forge/internal/domain"
	"github.com/forge-db/forge/internal/metrics"
	"github.com/forge-db/forge/internal/progress"
	"github.com/forge-db/forge/internal/reactor"
	"github.com/forge-db/forge/internal/repository"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// QueryInvoker resolves and runs a registered function for a new query
// subscription's initial result (spec.md §6.4 request envelope contract).
type QueryInvoker func(functionName string, args json.RawMessage) (result json.RawMessage, tables []string, err error)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// HTTP routing, origin/CORS policy, and auth are the gateway's job
	// (spec.md Non-goals); this node accepts whatever the gateway proxies.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub tracks every live session on this node, keyed by session ID —
// the same sharded-map-under-RWMutex shape as the teacher corpus's MCP
// session registry, generalized from tool sessions to subscription
// sessions.
type Hub struct {
	nodeID   string
	logger   *slog.Logger
	sessions repository.SessionRepository
	subs     *reactor.SubscriptionManager
	bus      *progress.Bus
	invoke   QueryInvoker

	mu       sync.RWMutex
	byID     map[string]*Session
}

func NewHub(nodeID string, logger *slog.Logger, sessions repository.SessionRepository, subs *reactor.SubscriptionManager, bus *progress.Bus, invoke QueryInvoker) *Hub {
	return &Hub{
		nodeID:   nodeID,
		logger:   logger.With("component", "ws_hub"),
		sessions: sessions,
		subs:     subs,
		bus:      bus,
		invoke:   invoke,
		byID:     make(map[string]*Session),
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs its session
// loop until the connection closes (spec.md §6.2).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sessionID := uuid.NewString()
	sess := newSession(sessionID, h, newSafeConn(conn))

	if err := h.sessions.Open(r.Context(), sessionID, h.nodeID, nil); err != nil {
		h.logger.Error("open session record failed", "session_id", sessionID, "error", err)
	}

	h.mu.Lock()
	h.byID[sessionID] = sess
	h.mu.Unlock()
	metrics.WSConnectionsActive.Inc()

	sess.writeServer(ServerMessage{Type: ServerConnected})
	sess.readLoop(r.Context())

	h.mu.Lock()
	delete(h.byID, sessionID)
	h.mu.Unlock()
	metrics.WSConnectionsActive.Dec()

	h.subs.RemoveSession(sessionID)
	if err := h.sessions.Close(r.Context(), sessionID); err != nil {
		h.logger.Warn("close session record failed", "session_id", sessionID, "error", err)
	}
}

// NotifyData implements reactor.Notifier: push a replayed query result
// to the owning session, if it is still connected to this node.
func (h *Hub) NotifyData(sessionID, clientSubID string, result json.RawMessage) {
	h.mu.RLock()
	sess, ok := h.byID[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	sess.writeServer(ServerMessage{Type: ServerData, SubID: clientSubID, Data: result})
}

// NotifyJobUpdate implements reactor.Notifier: push a jobs row snapshot
// to the owning session, if it is still connected to this node. This is
// the durable-fallback delivery path, distinct from the progress.Bus
// forwarding goroutine started in subscribeJob.
func (h *Hub) NotifyJobUpdate(sessionID, clientSubID string, job *domain.Job) {
	h.mu.RLock()
	sess, ok := h.byID[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	sess.writeServer(ServerMessage{
		Type: ServerJobUpdate, SubID: clientSubID, JobID: job.ID,
		Percent: job.ProgressPercent, Message: job.ProgressMessage,
	})
}

// NotifyWorkflowUpdate is NotifyJobUpdate's workflow_runs counterpart.
func (h *Hub) NotifyWorkflowUpdate(sessionID, clientSubID string, run *domain.WorkflowRun) {
	h.mu.RLock()
	sess, ok := h.byID[sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	sess.writeServer(ServerMessage{
		Type: ServerWorkflowUpdate, SubID: clientSubID, RunID: run.ID,
		Status: string(run.Status), Step: run.CurrentStep,
	})
}
