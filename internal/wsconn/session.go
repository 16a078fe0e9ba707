package wsconn

import (
	"context"
	"encoding/json"

	"github.com/forge-db/forge/internal/domain"
	"github.com/google/uuid"
)

// Session is one live WebSocket connection and the subscriptions it
// owns. Job and workflow subscriptions each get a forwarding goroutine
// reading from the progress bus; query subscriptions are driven purely
// by the reactor (spec.md §4.9, §6.2).
type Session struct {
	id   string
	hub  *Hub
	conn *safeConn

	cancels map[string]context.CancelFunc
}

func newSession(id string, hub *Hub, conn *safeConn) *Session {
	return &Session{id: id, hub: hub, conn: conn, cancels: make(map[string]context.CancelFunc)}
}

func (s *Session) writeServer(msg ServerMessage) {
	if err := s.conn.writeJSON(msg); err != nil {
		s.hub.logger.Debug("write to session failed", "session_id", s.id, "error", err)
	}
}

func (s *Session) readLoop(ctx context.Context) {
	defer func() {
		for _, cancel := range s.cancels {
			cancel()
		}
		_ = s.conn.close()
	}()

	for {
		var msg ClientMessage
		if err := s.conn.conn.ReadJSON(&msg); err != nil {
			return
		}
		if err := s.hub.sessions.Touch(ctx, s.id); err != nil {
			s.hub.logger.Debug("touch session failed", "session_id", s.id, "error", err)
		}
		s.handle(ctx, msg)
	}
}

func (s *Session) handle(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case ClientPing:
		s.writeServer(ServerMessage{Type: ServerPong})

	case ClientAuth:
		// Token verification belongs to the gateway in front of this
		// node (spec.md Non-goals); this node accepts whatever identity
		// the gateway has already established and attached upstream.

	case ClientSubscribe:
		s.subscribeQuery(msg)

	case ClientUnsubscribe:
		s.cancelForwarding(msg.SubID)
		s.writeServer(ServerMessage{Type: ServerUnsubscribed, SubID: msg.SubID})

	case ClientSubscribeJob:
		s.subscribeJob(msg)

	case ClientUnsubscribeJob:
		s.cancelForwarding(msg.SubID)
		s.writeServer(ServerMessage{Type: ServerUnsubscribed, SubID: msg.SubID})

	case ClientSubscribeWorkflow:
		s.subscribeWorkflow(msg)

	case ClientUnsubscribeWorkflow:
		s.cancelForwarding(msg.SubID)
		s.writeServer(ServerMessage{Type: ServerUnsubscribed, SubID: msg.SubID})

	default:
		s.writeServer(ServerMessage{Type: ServerError, Error: "unknown message type: " + msg.Type})
	}
}

func (s *Session) subscribeQuery(msg ClientMessage) {
	result, tables, err := s.hub.invoke(msg.FunctionName, msg.Args)
	if err != nil {
		s.writeServer(ServerMessage{Type: ServerError, SubID: msg.SubID, Error: err.Error()})
		return
	}

	readSet := domain.NewReadSet()
	for _, t := range tables {
		readSet.Tables[t] = struct{}{}
	}

	sub := &domain.Subscription{
		SubscriptionID: uuid.NewString(),
		SessionID:      s.id,
		ClientSubID:    msg.SubID,
		Kind:           domain.SubKindQuery,
		FunctionName:   msg.FunctionName,
		Args:           msg.Args,
		ReadSet:        readSet,
	}
	s.hub.subs.Add(sub)
	s.cancels[msg.SubID] = func() {
		s.hub.subs.Remove(sub.SubscriptionID)
	}

	s.writeServer(ServerMessage{Type: ServerSubscribed, SubID: msg.SubID})
	s.writeServer(ServerMessage{Type: ServerData, SubID: msg.SubID, Data: result})
}

// jobReadSet tracks the single jobs row msg targets, in row mode, so
// the reactor only re-pushes this subscription on changes to that row
// (spec.md §4.9 rule 1).
func jobReadSet(jobID string) domain.ReadSet {
	rs := domain.NewReadSet()
	rs.Mode = domain.ReadSetRow
	rs.Tables["jobs"] = struct{}{}
	rs.Rows["jobs"] = map[string]struct{}{jobID: {}}
	return rs
}

// workflowReadSet is jobReadSet's workflow_runs counterpart
// (spec.md §4.9 rule 2).
func workflowReadSet(runID string) domain.ReadSet {
	rs := domain.NewReadSet()
	rs.Mode = domain.ReadSetRow
	rs.Tables["workflow_runs"] = struct{}{}
	rs.Rows["workflow_runs"] = map[string]struct{}{runID: {}}
	return rs
}

func (s *Session) subscribeJob(msg ClientMessage) {
	// The bus is the fast path: it only ever reaches this node if the
	// job happens to run here. Registering with the SubscriptionManager
	// too gives a durable fallback via the reactor's forge_changes
	// routing, so a job running on another node still reaches this
	// client once its row changes (spec.md §4.9 rule 1, §4.10).
	sub := &domain.Subscription{
		SubscriptionID: uuid.NewString(),
		SessionID:      s.id,
		ClientSubID:    msg.SubID,
		Kind:           domain.SubKindJob,
		TargetID:       msg.JobID,
		ReadSet:        jobReadSet(msg.JobID),
	}
	s.hub.subs.Add(sub)

	ch, cancelBus := s.hub.bus.SubscribeJob(msg.JobID)
	fwdCtx, cancel := context.WithCancel(context.Background())
	s.cancels[msg.SubID] = func() {
		cancel()
		cancelBus()
		s.hub.subs.Remove(sub.SubscriptionID)
	}

	go func() {
		for {
			select {
			case <-fwdCtx.Done():
				return
			case update, ok := <-ch:
				if !ok {
					return
				}
				s.writeServer(ServerMessage{
					Type: ServerJobUpdate, SubID: msg.SubID, JobID: update.JobID,
					Percent: update.Percent, Message: update.Message,
				})
			}
		}
	}()

	s.writeServer(ServerMessage{Type: ServerSubscribed, SubID: msg.SubID})
}

func (s *Session) subscribeWorkflow(msg ClientMessage) {
	sub := &domain.Subscription{
		SubscriptionID: uuid.NewString(),
		SessionID:      s.id,
		ClientSubID:    msg.SubID,
		Kind:           domain.SubKindWorkflow,
		TargetID:       msg.WorkflowRunID,
		ReadSet:        workflowReadSet(msg.WorkflowRunID),
	}
	s.hub.subs.Add(sub)

	ch, cancelBus := s.hub.bus.SubscribeWorkflow(msg.WorkflowRunID)
	fwdCtx, cancel := context.WithCancel(context.Background())
	s.cancels[msg.SubID] = func() {
		cancel()
		cancelBus()
		s.hub.subs.Remove(sub.SubscriptionID)
	}

	go func() {
		for {
			select {
			case <-fwdCtx.Done():
				return
			case update, ok := <-ch:
				if !ok {
					return
				}
				s.writeServer(ServerMessage{
					Type: ServerWorkflowUpdate, SubID: msg.SubID, RunID: update.RunID,
					Status: update.Status, Step: update.Step,
				})
			}
		}
	}()

	s.writeServer(ServerMessage{Type: ServerSubscribed, SubID: msg.SubID})
}

func (s *Session) cancelForwarding(clientSubID string) {
	if cancel, ok := s.cancels[clientSubID]; ok {
		cancel()
		delete(s.cancels, clientSubID)
	}
}
