package reactor_test

import (
	"testing"

	"github.com/forge-db/forge/internal/domain"
	"github.com/forge-db/forge/internal/reactor"
)

func newTableSub(id, sessionID string, tables ...string) *domain.Subscription {
	rs := domain.NewReadSet()
	for _, t := range tables {
		rs.Tables[t] = struct{}{}
	}
	return &domain.Subscription{SubscriptionID: id, SessionID: sessionID, Kind: domain.SubKindQuery, ReadSet: rs}
}

func TestMatchChange_ReturnsOnlySubscriptionsTrackingTheChangedTable(t *testing.T) {
	m := reactor.NewSubscriptionManager()
	m.Add(newTableSub("sub-1", "sess-1", "jobs"))
	m.Add(newTableSub("sub-2", "sess-1", "workflow_runs"))

	matches := m.MatchChange(domain.Change{Table: "jobs", Op: domain.ChangeUpdate, RowID: "r1"})
	if len(matches) != 1 || matches[0].SubscriptionID != "sub-1" {
		t.Errorf("matches = %v, want only sub-1", matches)
	}
}

func TestRemove_SubscriptionNoLongerMatches(t *testing.T) {
	m := reactor.NewSubscriptionManager()
	m.Add(newTableSub("sub-1", "sess-1", "jobs"))
	m.Remove("sub-1")

	matches := m.MatchChange(domain.Change{Table: "jobs", Op: domain.ChangeUpdate, RowID: "r1"})
	if len(matches) != 0 {
		t.Errorf("matches = %v, want none after removal", matches)
	}
	if _, ok := m.Get("sub-1"); ok {
		t.Error("Get should report the removed subscription as gone")
	}
}

func TestRemoveSession_DropsEveryOwnedSubscription(t *testing.T) {
	m := reactor.NewSubscriptionManager()
	m.Add(newTableSub("sub-1", "sess-1", "jobs"))
	m.Add(newTableSub("sub-2", "sess-1", "cron_runs"))
	m.Add(newTableSub("sub-3", "sess-2", "jobs"))

	m.RemoveSession("sess-1")

	if _, ok := m.Get("sub-1"); ok {
		t.Error("sub-1 should be removed with its session")
	}
	if _, ok := m.Get("sub-2"); ok {
		t.Error("sub-2 should be removed with its session")
	}
	if _, ok := m.Get("sub-3"); !ok {
		t.Error("sub-3 belongs to a different session and should survive")
	}
}

func TestUpdateReadSet_ReindexesByTable(t *testing.T) {
	m := reactor.NewSubscriptionManager()
	m.Add(newTableSub("sub-1", "sess-1", "jobs"))

	newRS := domain.NewReadSet()
	newRS.Tables["cron_runs"] = struct{}{}
	m.UpdateReadSet("sub-1", newRS, "fingerprint-2")

	if matches := m.MatchChange(domain.Change{Table: "jobs", Op: domain.ChangeUpdate, RowID: "r1"}); len(matches) != 0 {
		t.Error("subscription should no longer match its old table after UpdateReadSet")
	}
	if matches := m.MatchChange(domain.Change{Table: "cron_runs", Op: domain.ChangeUpdate, RowID: "r1"}); len(matches) != 1 {
		t.Error("subscription should match its new table after UpdateReadSet")
	}

	sub, ok := m.Get("sub-1")
	if !ok {
		t.Fatal("subscription should still exist")
	}
	if sub.LastResultFingerprint != "fingerprint-2" {
		t.Errorf("fingerprint = %q, want %q", sub.LastResultFingerprint, "fingerprint-2")
	}
}

func TestMatchChange_MultipleSubscriptionsOnSameTable_AllMatch(t *testing.T) {
	m := reactor.NewSubscriptionManager()
	m.Add(newTableSub("sub-1", "sess-1", "jobs"))
	m.Add(newTableSub("sub-2", "sess-2", "jobs"))

	matches := m.MatchChange(domain.Change{Table: "jobs", Op: domain.ChangeInsert, RowID: "r1"})
	if len(matches) != 2 {
		t.Errorf("got %d matches, want 2", len(matches))
	}
}
