package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository for development and tests.
// WithTx serialises callers but does not roll back their writes.
type MemoryRepository struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	clients  map[uuid.UUID]Client
	tiers    map[uuid.UUID]Tier
	invoices map[uuid.UUID]Invoice
	payments map[uuid.UUID]Payment
	// seq orders rows inserted within the same clock tick.
	seq   map[uuid.UUID]int64
	next  int64
	clock func() time.Time

	allowDuplicatePeriods bool
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		clients:  make(map[uuid.UUID]Client),
		tiers:    make(map[uuid.UUID]Tier),
		invoices: make(map[uuid.UUID]Invoice),
		payments: make(map[uuid.UUID]Payment),
		seq:      make(map[uuid.UUID]int64),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source for created_at/updated_at.
func (m *MemoryRepository) WithClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// DisablePeriodConstraint drops the one-invoice-per-billing-month rule,
// matching stores created before the constraint existed.
func (m *MemoryRepository) DisablePeriodConstraint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowDuplicatePeriods = true
}

// PutClient seeds or replaces a client.
func (m *MemoryRepository) PutClient(c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = c
}

// PutTier seeds or replaces a tier.
func (m *MemoryRepository) PutTier(t Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[t.ID] = t
}

func (m *MemoryRepository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(ctx, m)
}

func (m *MemoryRepository) GetTier(_ context.Context, id uuid.UUID) (Tier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tiers[id]
	if !ok {
		return Tier{}, ErrTierNotFound
	}
	return t, nil
}

func (m *MemoryRepository) GetClient(_ context.Context, id uuid.UUID) (Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	if !ok {
		return Client{}, ErrClientNotFound
	}
	return c, nil
}

func (m *MemoryRepository) UpdateClient(_ context.Context, id uuid.UUID, patch ClientPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return ErrClientNotFound
	}
	if patch.DepositAmount != nil {
		c.DepositAmount = *patch.DepositAmount
	}
	if patch.ClearNextDueDate {
		c.NextDueDate = nil
	} else if patch.NextDueDate != nil {
		due := *patch.NextDueDate
		c.NextDueDate = &due
	}
	c.UpdatedAt = m.clock()
	m.clients[id] = c
	return nil
}

func (m *MemoryRepository) InsertInvoice(_ context.Context, inv Invoice) (Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.invoices {
		if existing.InvoiceNumber == inv.InvoiceNumber {
			return Invoice{}, ErrDuplicateInvoiceNumber
		}
		if !m.allowDuplicatePeriods && existing.ClientID == inv.ClientID && existing.BillingMonth == inv.BillingMonth {
			return Invoice{}, ErrPeriodAlreadyInvoiced
		}
	}
	now := m.clock()
	inv.CreatedAt = now
	inv.UpdatedAt = now
	m.invoices[inv.ID] = inv
	m.next++
	m.seq[inv.ID] = m.next
	return inv, nil
}

func (m *MemoryRepository) GetInvoice(_ context.Context, id uuid.UUID) (Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

// GetInvoiceForUpdate relies on WithTx serialisation for exclusivity.
func (m *MemoryRepository) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return m.GetInvoice(ctx, id)
}

func (m *MemoryRepository) LatestInvoice(_ context.Context, clientID uuid.UUID) (Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest Invoice
		found  bool
	)
	for _, inv := range m.invoices {
		if inv.ClientID != clientID {
			continue
		}
		if !found || m.laterDue(inv, latest) {
			latest, found = inv, true
		}
	}
	if !found {
		return Invoice{}, ErrInvoiceNotFound
	}
	return latest, nil
}

func (m *MemoryRepository) laterDue(a, b Invoice) bool {
	if !a.DueDate.Equal(b.DueDate) {
		return a.DueDate.After(b.DueDate)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return m.seq[a.ID] > m.seq[b.ID]
}

func (m *MemoryRepository) ListInvoices(_ context.Context, filter InvoiceFilter) ([]Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Invoice
	for _, inv := range m.invoices {
		if filter.ClientID != nil && inv.ClientID != *filter.ClientID {
			continue
		}
		if filter.OnlyPending && inv.PaymentStatus != PaymentStatusPending {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].InvoiceDate.Equal(out[j].InvoiceDate) {
			return out[i].InvoiceDate.After(out[j].InvoiceDate)
		}
		return m.seq[out[i].ID] > m.seq[out[j].ID]
	})
	return out, nil
}

func (m *MemoryRepository) UpdateInvoiceCharges(_ context.Context, id uuid.UUID, patch ChargePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	if patch.BillingMonth != nil {
		for _, other := range m.invoices {
			if !m.allowDuplicatePeriods && other.ID != id && other.ClientID == inv.ClientID && other.BillingMonth == *patch.BillingMonth {
				return ErrPeriodAlreadyInvoiced
			}
		}
		inv.BillingMonth = *patch.BillingMonth
	}
	if patch.DueDate != nil {
		inv.DueDate = *patch.DueDate
	}
	if patch.BasePrice != nil {
		inv.BasePrice = *patch.BasePrice
	}
	if patch.ExtraDeviceCharge != nil {
		inv.ExtraDeviceCharge = *patch.ExtraDeviceCharge
	}
	if patch.UnregisteredOvercharge != nil {
		inv.UnregisteredOvercharge = *patch.UnregisteredOvercharge
	}
	if patch.Rebate != nil {
		inv.Rebate = *patch.Rebate
	}
	if patch.PreviousBalance != nil {
		inv.PreviousBalance = *patch.PreviousBalance
	}
	if patch.DepositApplied != nil {
		inv.DepositApplied = *patch.DepositApplied
	}
	if patch.TotalAmount != nil {
		inv.TotalAmount = *patch.TotalAmount
	}
	inv.UpdatedAt = m.clock()
	m.invoices[id] = inv
	return nil
}

func (m *MemoryRepository) UpdateLedgerState(_ context.Context, id uuid.UUID, s LedgerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	inv.Apply(s)
	inv.UpdatedAt = m.clock()
	m.invoices[id] = inv
	return nil
}

func (m *MemoryRepository) DeleteInvoice(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[id]; !ok {
		return ErrInvoiceNotFound
	}
	delete(m.invoices, id)
	delete(m.seq, id)
	for pid, p := range m.payments {
		if p.LinkedTo(id) {
			delete(m.payments, pid)
		}
	}
	return nil
}

func (m *MemoryRepository) InsertPayment(_ context.Context, p Payment) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	p.CreatedAt = now
	p.UpdatedAt = now
	m.payments[p.ID] = p
	m.next++
	m.seq[p.ID] = m.next
	return p, nil
}

func (m *MemoryRepository) GetPayment(_ context.Context, id uuid.UUID) (Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (m *MemoryRepository) UpdatePayment(_ context.Context, p Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = m.clock()
	m.payments[p.ID] = p
	return nil
}

func (m *MemoryRepository) DeletePayment(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[id]; !ok {
		return ErrPaymentNotFound
	}
	delete(m.payments, id)
	delete(m.seq, id)
	return nil
}

func (m *MemoryRepository) DeletePaymentsByInvoice(_ context.Context, invoiceID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, p := range m.payments {
		if p.LinkedTo(invoiceID) {
			delete(m.payments, id)
			delete(m.seq, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) ListPaymentsByInvoice(_ context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	return m.listPayments(func(p Payment) bool { return p.LinkedTo(invoiceID) }), nil
}

func (m *MemoryRepository) ListPaymentsByClient(_ context.Context, clientID uuid.UUID) ([]Payment, error) {
	return m.listPayments(func(p Payment) bool { return p.ClientID == clientID }), nil
}

func (m *MemoryRepository) listPayments(match func(Payment) bool) []Payment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Payment
	for _, p := range m.payments {
		if match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PaymentDate.Equal(out[j].PaymentDate) {
			return out[i].PaymentDate.After(out[j].PaymentDate)
		}
		return m.seq[out[i].ID] > m.seq[out[j].ID]
	})
	return out
}
