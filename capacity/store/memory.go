// Package store provides in-process capacity.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/capacity-engine/capacity"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu             sync.RWMutex
	consolidations map[capacity.ConsolidationID]capacity.Consolidation
	bookings       map[capacity.BookingID]capacity.Booking
	byOwner        map[capacity.ConsolidationID][]capacity.BookingID // insertion order
	outbox         []capacity.OutboxEvent
	nextSeq        int64
}

func NewMemory() *Memory {
	return &Memory{
		consolidations: make(map[capacity.ConsolidationID]capacity.Consolidation),
		bookings:       make(map[capacity.BookingID]capacity.Booking),
		byOwner:        make(map[capacity.ConsolidationID][]capacity.BookingID),
	}
}

func notFound(kind string, id any) error {
	return fmt.Errorf("%s %v: %w", kind, id, capacity.ErrNotFound)
}

func (m *Memory) GetConsolidation(_ context.Context, id capacity.ConsolidationID) (*capacity.Consolidation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.consolidations[id]
	if !ok {
		return nil, notFound("consolidation", id)
	}
	return &c, nil
}

func (m *Memory) InsertConsolidation(_ context.Context, c capacity.Consolidation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertConsolidationLocked(c)
}

func (m *Memory) insertConsolidationLocked(c capacity.Consolidation) error {
	if _, ok := m.consolidations[c.ID]; ok {
		return fmt.Errorf("consolidation %s already exists", c.ID)
	}
	m.consolidations[c.ID] = c
	return nil
}

// UpdateConsolidation is a compare-and-swap on Version.
func (m *Memory) UpdateConsolidation(_ context.Context, c capacity.Consolidation, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.consolidations[c.ID]
	if !ok {
		return notFound("consolidation", c.ID)
	}
	if current.Version != expectedVersion {
		return capacity.ErrConcurrentModification
	}
	m.consolidations[c.ID] = c
	return nil
}

func (m *Memory) DeleteConsolidation(_ context.Context, id capacity.ConsolidationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteConsolidationLocked(id)
}

func (m *Memory) deleteConsolidationLocked(id capacity.ConsolidationID) error {
	if _, ok := m.consolidations[id]; !ok {
		return notFound("consolidation", id)
	}
	for _, bid := range m.byOwner[id] {
		delete(m.bookings, bid)
	}
	delete(m.byOwner, id)
	delete(m.consolidations, id)
	return nil
}

func (m *Memory) ListConsolidations(_ context.Context, f capacity.Filter) ([]capacity.Consolidation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return listConsolidations(m.consolidations, f), nil
}

func listConsolidations(all map[capacity.ConsolidationID]capacity.Consolidation, f capacity.Filter) []capacity.Consolidation {
	var result []capacity.Consolidation
	for _, c := range all {
		if f.Matches(c) {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (m *Memory) CountActiveRequests(_ context.Context, initiator capacity.ParticipantID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.consolidations {
		if isActiveRequest(c, initiator) {
			n++
		}
	}
	return n, nil
}

func isActiveRequest(c capacity.Consolidation, initiator capacity.ParticipantID) bool {
	return c.InitiatorID == initiator && c.Kind == capacity.KindRequest && !c.Status.Terminal()
}

func (m *Memory) GetBooking(_ context.Context, id capacity.BookingID) (*capacity.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, notFound("booking", id)
	}
	return &b, nil
}

func (m *Memory) InsertBooking(_ context.Context, b capacity.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertBookingLocked(b)
}

func (m *Memory) insertBookingLocked(b capacity.Booking) error {
	if _, ok := m.consolidations[b.ConsolidationID]; !ok {
		return notFound("consolidation", b.ConsolidationID)
	}
	if _, ok := m.bookings[b.ID]; ok {
		return fmt.Errorf("booking %s already exists", b.ID)
	}
	m.bookings[b.ID] = b
	m.byOwner[b.ConsolidationID] = append(m.byOwner[b.ConsolidationID], b.ID)
	return nil
}

func (m *Memory) UpdateBooking(_ context.Context, b capacity.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; !ok {
		return notFound("booking", b.ID)
	}
	m.bookings[b.ID] = b
	return nil
}

func (m *Memory) ListBookings(_ context.Context, id capacity.ConsolidationID) ([]capacity.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]capacity.Booking, 0, len(m.byOwner[id]))
	for _, bid := range m.byOwner[id] {
		result = append(result, m.bookings[bid])
	}
	return result, nil
}

func (m *Memory) AppendOutbox(_ context.Context, e capacity.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendOutboxLocked(e)
	return nil
}

func (m *Memory) appendOutboxLocked(e capacity.Event) {
	m.nextSeq++
	m.outbox = append(m.outbox, capacity.OutboxEvent{Seq: m.nextSeq, Event: e})
}

func (m *Memory) PendingEvents(_ context.Context, limit int) ([]capacity.OutboxEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []capacity.OutboxEvent
	for _, oe := range m.outbox {
		if oe.DeliveredAt != nil {
			continue
		}
		result = append(result, oe)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) MarkDelivered(_ context.Context, seqs []int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[int64]bool, len(seqs))
	for _, s := range seqs {
		want[s] = true
	}
	for i := range m.outbox {
		if want[m.outbox[i].Seq] && m.outbox[i].DeliveredAt == nil {
			t := at
			m.outbox[i].DeliveredAt = &t
		}
	}
	return nil
}

// Events returns every outbox entry, delivered or not, in commit order.
func (m *Memory) Events() []capacity.OutboxEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]capacity.OutboxEvent(nil), m.outbox...)
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn against a buffered view. Writes become visible only on
// commit, which re-checks every consolidation version the view read from the
// parent. fn runs without holding the store lock, so transactions on
// different consolidations proceed in parallel.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(capacity.Store) error) error {
	view := newTxView(tm.Memory)
	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return view.commit()
}

type txView struct {
	parent *Memory

	base           map[capacity.ConsolidationID]int64 // parent versions observed
	consolidations map[capacity.ConsolidationID]capacity.Consolidation
	inserted       map[capacity.ConsolidationID]bool
	deleted        map[capacity.ConsolidationID]bool
	bookings       map[capacity.BookingID]capacity.Booking
	newBookings    []capacity.BookingID
	events         []capacity.Event
}

func newTxView(parent *Memory) *txView {
	return &txView{
		parent:         parent,
		base:           make(map[capacity.ConsolidationID]int64),
		consolidations: make(map[capacity.ConsolidationID]capacity.Consolidation),
		inserted:       make(map[capacity.ConsolidationID]bool),
		deleted:        make(map[capacity.ConsolidationID]bool),
		bookings:       make(map[capacity.BookingID]capacity.Booking),
	}
}

func (tv *txView) lookup(id capacity.ConsolidationID) (capacity.Consolidation, bool) {
	if tv.deleted[id] {
		return capacity.Consolidation{}, false
	}
	if c, ok := tv.consolidations[id]; ok {
		return c, true
	}
	tv.parent.mu.RLock()
	c, ok := tv.parent.consolidations[id]
	tv.parent.mu.RUnlock()
	if ok {
		if _, seen := tv.base[id]; !seen {
			tv.base[id] = c.Version
		}
	}
	return c, ok
}

func (tv *txView) GetConsolidation(_ context.Context, id capacity.ConsolidationID) (*capacity.Consolidation, error) {
	c, ok := tv.lookup(id)
	if !ok {
		return nil, notFound("consolidation", id)
	}
	return &c, nil
}

func (tv *txView) InsertConsolidation(_ context.Context, c capacity.Consolidation) error {
	if _, ok := tv.lookup(c.ID); ok {
		return fmt.Errorf("consolidation %s already exists", c.ID)
	}
	tv.consolidations[c.ID] = c
	tv.inserted[c.ID] = true
	delete(tv.deleted, c.ID)
	return nil
}

func (tv *txView) UpdateConsolidation(_ context.Context, c capacity.Consolidation, expectedVersion int64) error {
	current, ok := tv.lookup(c.ID)
	if !ok {
		return notFound("consolidation", c.ID)
	}
	if current.Version != expectedVersion {
		return capacity.ErrConcurrentModification
	}
	tv.consolidations[c.ID] = c
	return nil
}

func (tv *txView) DeleteConsolidation(_ context.Context, id capacity.ConsolidationID) error {
	if _, ok := tv.lookup(id); !ok {
		return notFound("consolidation", id)
	}
	delete(tv.consolidations, id)
	tv.deleted[id] = true
	return nil
}

func (tv *txView) ListConsolidations(_ context.Context, f capacity.Filter) ([]capacity.Consolidation, error) {
	return listConsolidations(tv.merged(), f), nil
}

func (tv *txView) CountActiveRequests(_ context.Context, initiator capacity.ParticipantID) (int, error) {
	n := 0
	for _, c := range tv.merged() {
		if isActiveRequest(c, initiator) {
			n++
		}
	}
	return n, nil
}

func (tv *txView) merged() map[capacity.ConsolidationID]capacity.Consolidation {
	tv.parent.mu.RLock()
	all := make(map[capacity.ConsolidationID]capacity.Consolidation, len(tv.parent.consolidations))
	for id, c := range tv.parent.consolidations {
		all[id] = c
	}
	tv.parent.mu.RUnlock()
	for id, c := range tv.consolidations {
		all[id] = c
	}
	for id := range tv.deleted {
		delete(all, id)
	}
	return all
}

func (tv *txView) GetBooking(_ context.Context, id capacity.BookingID) (*capacity.Booking, error) {
	if b, ok := tv.bookings[id]; ok {
		if tv.deleted[b.ConsolidationID] {
			return nil, notFound("booking", id)
		}
		return &b, nil
	}
	tv.parent.mu.RLock()
	b, ok := tv.parent.bookings[id]
	tv.parent.mu.RUnlock()
	if !ok || tv.deleted[b.ConsolidationID] {
		return nil, notFound("booking", id)
	}
	return &b, nil
}

func (tv *txView) InsertBooking(ctx context.Context, b capacity.Booking) error {
	if _, ok := tv.lookup(b.ConsolidationID); !ok {
		return notFound("consolidation", b.ConsolidationID)
	}
	if _, err := tv.GetBooking(ctx, b.ID); err == nil {
		return fmt.Errorf("booking %s already exists", b.ID)
	}
	tv.bookings[b.ID] = b
	tv.newBookings = append(tv.newBookings, b.ID)
	return nil
}

func (tv *txView) UpdateBooking(ctx context.Context, b capacity.Booking) error {
	if _, err := tv.GetBooking(ctx, b.ID); err != nil {
		return err
	}
	tv.bookings[b.ID] = b
	return nil
}

func (tv *txView) ListBookings(_ context.Context, id capacity.ConsolidationID) ([]capacity.Booking, error) {
	if tv.deleted[id] {
		return nil, nil
	}
	tv.parent.mu.RLock()
	var result []capacity.Booking
	for _, bid := range tv.parent.byOwner[id] {
		b := tv.parent.bookings[bid]
		if own, ok := tv.bookings[bid]; ok {
			b = own
		}
		result = append(result, b)
	}
	tv.parent.mu.RUnlock()
	for _, bid := range tv.newBookings {
		if b := tv.bookings[bid]; b.ConsolidationID == id {
			result = append(result, b)
		}
	}
	return result, nil
}

func (tv *txView) AppendOutbox(_ context.Context, e capacity.Event) error {
	tv.events = append(tv.events, e)
	return nil
}

// commit validates the observed versions and applies every buffered write
// under one lock acquisition.
func (tv *txView) commit() error {
	p := tv.parent
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, version := range tv.base {
		current, ok := p.consolidations[id]
		if !ok || current.Version != version {
			return capacity.ErrConcurrentModification
		}
	}
	for id := range tv.inserted {
		if _, ok := p.consolidations[id]; ok {
			return fmt.Errorf("consolidation %s already exists", id)
		}
	}
	for _, bid := range tv.newBookings {
		if _, ok := p.bookings[bid]; ok {
			return fmt.Errorf("booking %s already exists", bid)
		}
	}

	for id := range tv.deleted {
		if _, ok := p.consolidations[id]; ok {
			if err := p.deleteConsolidationLocked(id); err != nil {
				return err
			}
		}
	}
	for id, c := range tv.consolidations {
		p.consolidations[id] = c
	}
	isNew := make(map[capacity.BookingID]bool, len(tv.newBookings))
	for _, bid := range tv.newBookings {
		isNew[bid] = true
		b := tv.bookings[bid]
		if tv.deleted[b.ConsolidationID] {
			continue
		}
		if err := p.insertBookingLocked(b); err != nil {
			return err
		}
	}
	for bid, b := range tv.bookings {
		if !isNew[bid] && !tv.deleted[b.ConsolidationID] {
			p.bookings[bid] = b
		}
	}
	for _, e := range tv.events {
		p.appendOutboxLocked(e)
	}
	return nil
}
