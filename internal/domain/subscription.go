package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Session is one live WebSocket connection owned by exactly one node
// (spec.md §3).
type Session struct {
	ID            string
	NodeID        string
	UserID        *string
	ConnectedAt   time.Time
	LastActivity  time.Time
}

// SubscriptionKind distinguishes what a standing query targets.
type SubscriptionKind string

const (
	SubKindQuery    SubscriptionKind = "query"
	SubKindJob      SubscriptionKind = "job"
	SubKindWorkflow SubscriptionKind = "workflow"
)

// ReadSetMode selects how finely a Query subscription's invalidation
// footprint is tracked (spec.md §4.9).
type ReadSetMode string

const (
	ReadSetTable    ReadSetMode = "table"
	ReadSetRow      ReadSetMode = "row"
	ReadSetAdaptive ReadSetMode = "adaptive"
)

// ReadSet is the set of tables (and optionally rows) touched by the last
// execution of a Query subscription's function.
type ReadSet struct {
	Tables map[string]struct{}
	Rows   map[string]map[string]struct{} // table -> set of row UUIDs
	Mode   ReadSetMode
}

// NewReadSet returns an empty table-mode ReadSet.
func NewReadSet() ReadSet {
	return ReadSet{Tables: map[string]struct{}{}, Rows: map[string]map[string]struct{}{}, Mode: ReadSetTable}
}

// Invalidates reports whether a change to (table, rowID, op) should
// trigger replay of a query with this read-set, per spec.md §4.9 rule 4:
// conservative — tables match, and in row mode either the row is tracked
// or the operation is an INSERT (new rows can't be pre-tracked).
func (rs ReadSet) Invalidates(table, rowID string, op ChangeOp) bool {
	if _, ok := rs.Tables[table]; !ok {
		return false
	}
	if rs.Mode == ReadSetTable {
		return true
	}
	if op == ChangeInsert {
		return true
	}
	rows, ok := rs.Rows[table]
	if !ok {
		return true // no row-level info recorded for this table: conservative
	}
	_, tracked := rows[rowID]
	return tracked
}

// Subscription is one standing query or job/workflow progress stream
// owned by one session.
type Subscription struct {
	SubscriptionID        string
	SessionID             string
	ClientSubID           string
	Kind                  SubscriptionKind
	FunctionName          string
	Args                  json.RawMessage
	ReadSet               ReadSet
	LastResultFingerprint string
	TargetID              string // for Job/Workflow kinds
	CreatedAt             time.Time
}

// ChangeOp is the kind of row mutation a NOTIFY payload describes.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "INSERT"
	ChangeUpdate ChangeOp = "UPDATE"
	ChangeDelete ChangeOp = "DELETE"
)

// Change is an event derived from a forge_changes NOTIFY payload
// (spec.md §3, §6.1). Not persisted beyond the in-process broadcast buffer.
type Change struct {
	Table          string
	Op             ChangeOp
	RowID          string
	ChangedColumns []string
}
