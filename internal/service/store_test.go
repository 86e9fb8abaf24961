package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/tabpay/internal/models"
	"github.com/punchamoorthee/tabpay/internal/store"
)

// memStore stands in for Postgres. One mutex plays the part of the row
// locks.
type memStore struct {
	mu       sync.Mutex
	txs      map[string]*models.Transaction
	balances map[string]int64
	tabBars  map[string]string
	events   map[string]*models.CallbackEvent
	applyErr error
	// updateFailures fails that many UpdateTransaction calls before
	// letting writes through.
	updateFailures int
}

func newMemStore() *memStore {
	return &memStore{
		txs:      make(map[string]*models.Transaction),
		balances: make(map[string]int64),
		tabBars:  make(map[string]string),
		events:   make(map[string]*models.CallbackEvent),
	}
}

func (m *memStore) addTab(barID, tabID string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tabBars[tabID] = barID
	m.balances[tabID] = balance
}

func (m *memStore) balance(tabID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[tabID]
}

func (m *memStore) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// put stores t as-is, bypassing the state machine.
func (m *memStore) put(t *models.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[t.ID] = clone(t)
}

func clone(t *models.Transaction) *models.Transaction {
	c := *t
	if t.SentAt != nil {
		v := *t.SentAt
		c.SentAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.ResultCode != nil {
		v := *t.ResultCode
		c.ResultCode = &v
	}
	return &c
}

func (m *memStore) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[t.ID]; ok {
		return store.ErrConflict
	}
	m.txs[t.ID] = clone(t)
	return nil
}

func (m *memStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(t), nil
}

func (m *memStore) UpdateTransaction(ctx context.Context, id string, mutate func(*models.Transaction) error) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateFailures > 0 {
		m.updateFailures--
		return nil, errors.New("connection reset")
	}
	t, ok := m.txs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := clone(t)
	if err := mutate(c); err != nil {
		return nil, err
	}
	m.txs[id] = clone(c)
	return c, nil
}

func (m *memStore) sorted(less func(a, b *models.Transaction) bool) []*models.Transaction {
	out := make([]*models.Transaction, 0, len(m.txs))
	for _, t := range m.txs {
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (m *memStore) ListTransactions(ctx context.Context, status models.TransactionStatus, limit int) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, t := range m.sorted(func(a, b *models.Transaction) bool { return a.CreatedAt.After(b.CreatedAt) }) {
		if status != "" && t.Status != status {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

func sentTime(t *models.Transaction) time.Time {
	if t.SentAt != nil {
		return *t.SentAt
	}
	return t.CreatedAt
}

func (m *memStore) ListSentBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, t := range m.sorted(func(a, b *models.Transaction) bool { return sentTime(a).Before(sentTime(b)) }) {
		if t.Status != models.StatusSent || !sentTime(t).Before(cutoff) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for _, t := range m.sorted(func(a, b *models.Transaction) bool { return a.UpdatedAt.Before(b.UpdatedAt) }) {
		if t.Status != models.StatusPending || !t.UpdatedAt.Before(cutoff) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) TransactionStats(ctx context.Context, env models.Environment) (*models.TransactionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.TransactionStats{Environment: env, ByStatus: make(map[models.TransactionStatus]int64)}
	for _, t := range m.txs {
		if env != "" && t.Environment != env {
			continue
		}
		stats.Total++
		stats.ByStatus[t.Status]++
		if t.Status == models.StatusSuccess {
			stats.SuccessAmount += t.Amount
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.ByStatus[models.StatusSuccess]) / float64(stats.Total)
	}
	return stats, nil
}

func (m *memStore) ApplyCallback(ctx context.Context, ev *models.CallbackEvent,
	apply func(*models.Transaction) (store.CallbackEffect, error),
) (*models.Transaction, *models.BalanceChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return nil, nil, m.applyErr
	}

	var found *models.Transaction
	for _, t := range m.txs {
		if t.CheckoutRequestID != "" && t.CheckoutRequestID == ev.CheckoutRequestID {
			found = t
		}
	}
	if found == nil {
		return nil, nil, store.ErrNotFound
	}

	t := clone(found)
	effect, err := apply(t)
	if err != nil {
		return nil, nil, err
	}

	var change *models.BalanceChange
	if !effect.Duplicate {
		m.txs[t.ID] = clone(t)
		if effect.Debit > 0 {
			prev := m.balances[t.TabID]
			next := prev - effect.Debit
			if next < 0 {
				next = 0
			}
			m.balances[t.TabID] = next
			change = &models.BalanceChange{
				BarID:           m.tabBars[t.TabID],
				TabID:           t.TabID,
				TransactionID:   t.ID,
				ReceiptNumber:   t.MpesaReceiptNumber,
				AmountPaid:      effect.Debit,
				PreviousBalance: prev,
				NewBalance:      next,
				ChangedAt:       t.UpdatedAt,
			}
		}
	}

	ev.TransactionID = t.ID
	ev.Duplicate = effect.Duplicate
	ev.Processed = true
	cp := *ev
	m.events[ev.ID] = &cp
	return t, change, nil
}

func (m *memStore) SaveCallbackEvent(ctx context.Context, ev *models.CallbackEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.events[ev.ID] = &cp
	return nil
}

func (m *memStore) ListPendingCallbackEvents(ctx context.Context, limit int) ([]*models.CallbackEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.CallbackEvent
	for _, ev := range m.events {
		if !ev.Processed {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkCallbackEventProcessed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return store.ErrNotFound
	}
	ev.Processed = true
	return nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []models.BalanceChange
}

func (n *recordingNotifier) BalanceChanged(ctx context.Context, c models.BalanceChange) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, c)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.changes)
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// sentTx is a transaction whose push was accepted at sentAt.
func sentTx(id, tenant, tab, checkout string, amount int64, sentAt time.Time) *models.Transaction {
	return &models.Transaction{
		ID:                id,
		TenantID:          tenant,
		TabID:             tab,
		CustomerID:        "cust-" + tab,
		PhoneNumber:       "254712345678",
		Amount:            amount,
		Currency:          "KES",
		Environment:       models.Sandbox,
		Status:            models.StatusSent,
		AccountReference:  "TAB1",
		CheckoutRequestID: checkout,
		MerchantRequestID: "mr-" + checkout,
		Attempts:          1,
		CreatedAt:         sentAt,
		UpdatedAt:         sentAt,
		SentAt:            &sentAt,
	}
}
