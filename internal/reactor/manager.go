package reactor

import (
	"sync"

	"github.com/forge-db/forge/internal/domain"
	"github.com/forge-db/forge/internal/metrics"
)

// SubscriptionManager indexes live subscriptions three ways so a
// single change can be routed to affected subscriptions without
// scanning the full set (spec.md §4.9):
//   - bySubID:       subscription_id -> subscription (primary store)
//   - bySession:      session_id -> set of subscription_ids (session close/cleanup)
//   - byTable:        table name -> set of subscription_ids (change routing)
type SubscriptionManager struct {
	mu        sync.RWMutex
	bySubID   map[string]*domain.Subscription
	bySession map[string]map[string]struct{}
	byTable   map[string]map[string]struct{}
}

func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		bySubID:   make(map[string]*domain.Subscription),
		bySession: make(map[string]map[string]struct{}),
		byTable:   make(map[string]map[string]struct{}),
	}
}

func (m *SubscriptionManager) Add(sub *domain.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bySubID[sub.SubscriptionID] = sub

	if m.bySession[sub.SessionID] == nil {
		m.bySession[sub.SessionID] = make(map[string]struct{})
	}
	m.bySession[sub.SessionID][sub.SubscriptionID] = struct{}{}

	for table := range sub.ReadSet.Tables {
		if m.byTable[table] == nil {
			m.byTable[table] = make(map[string]struct{})
		}
		m.byTable[table][sub.SubscriptionID] = struct{}{}
	}

	metrics.SubscriptionsActive.Set(float64(len(m.bySubID)))
}

func (m *SubscriptionManager) Remove(subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(subscriptionID)
	metrics.SubscriptionsActive.Set(float64(len(m.bySubID)))
}

func (m *SubscriptionManager) removeLocked(subscriptionID string) {
	sub, ok := m.bySubID[subscriptionID]
	if !ok {
		return
	}
	delete(m.bySubID, subscriptionID)
	delete(m.bySession[sub.SessionID], subscriptionID)
	if len(m.bySession[sub.SessionID]) == 0 {
		delete(m.bySession, sub.SessionID)
	}
	for table := range sub.ReadSet.Tables {
		delete(m.byTable[table], subscriptionID)
		if len(m.byTable[table]) == 0 {
			delete(m.byTable, table)
		}
	}
}

// RemoveSession drops every subscription owned by sessionID, called
// when a WebSocket connection closes.
func (m *SubscriptionManager) RemoveSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for subID := range m.bySession[sessionID] {
		m.removeLocked(subID)
	}
	metrics.SubscriptionsActive.Set(float64(len(m.bySubID)))
}

// UpdateReadSet replaces a subscription's tracked read set after a
// replay, re-indexing it under byTable.
func (m *SubscriptionManager) UpdateReadSet(subscriptionID string, rs domain.ReadSet, fingerprint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.bySubID[subscriptionID]
	if !ok {
		return
	}
	for table := range sub.ReadSet.Tables {
		delete(m.byTable[table], subscriptionID)
	}
	sub.ReadSet = rs
	sub.LastResultFingerprint = fingerprint
	for table := range rs.Tables {
		if m.byTable[table] == nil {
			m.byTable[table] = make(map[string]struct{})
		}
		m.byTable[table][subscriptionID] = struct{}{}
	}
}

// MatchChange returns every subscription whose read set conservatively
// invalidates on change — candidates for replay, not a guarantee every
// one actually changed output (spec.md §4.9 rule: never under-invalidate).
func (m *SubscriptionManager) MatchChange(change domain.Change) []*domain.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []*domain.Subscription
	for subID := range m.byTable[change.Table] {
		sub := m.bySubID[subID]
		if sub == nil {
			continue
		}
		if sub.ReadSet.Invalidates(change.Table, change.RowID, change.Op) {
			matches = append(matches, sub)
		}
	}
	return matches
}

// Get returns the subscription for subscriptionID, if live.
func (m *SubscriptionManager) Get(subscriptionID string) (*domain.Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.bySubID[subscriptionID]
	return sub, ok
}
