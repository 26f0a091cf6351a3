package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"stakebot/internal/order"
)

// Memory is an in-process Store for tests and dev runs. It honors the same
// version-conditioned settlement contract as the sqlite driver.
type Memory struct {
	mu     sync.Mutex
	orders map[string]*order.Order
	execs  map[string][]order.ExecutionRecord
}

func NewMemory() *Memory {
	return &Memory{
		orders: make(map[string]*order.Order),
		execs:  make(map[string][]order.ExecutionRecord),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateOrder(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) ListOrders(_ context.Context, ownerID int64) ([]*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*order.Order
	for _, o := range m.orders {
		if o.OwnerID == ownerID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListDue(_ context.Context, now time.Time) ([]*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*order.Order
	for _, o := range m.orders {
		if o.Active && !o.NextRunAt.After(now) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	return out, nil
}

func (m *Memory) CancelOrder(_ context.Context, id string, ownerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.OwnerID != ownerID {
		return ErrNotOwner
	}
	if o.Active {
		o.Active = false
		o.Version++
	}
	return nil
}

func (m *Memory) ApplySettlement(_ context.Context, st Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[st.OrderID]
	if !ok {
		return ErrNotFound
	}
	if o.Version != st.ExpectedVersion {
		return ErrConflict
	}
	o.TotalSpent = st.TotalSpent
	o.Active = st.Active
	o.NextRunAt = st.NextRunAt
	o.Version++
	return nil
}

func (m *Memory) AppendExecution(_ context.Context, rec order.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs[rec.OrderID] = append(m.execs[rec.OrderID], rec)
	return nil
}

func (m *Memory) ListExecutions(_ context.Context, orderID string, limit int) ([]order.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := append([]order.ExecutionRecord(nil), m.execs[orderID]...)
	sort.Slice(recs, func(i, j int) bool { return recs[i].At.After(recs[j].At) })
	if limit <= 0 {
		limit = 50
	}
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

var _ Store = (*Memory)(nil)
