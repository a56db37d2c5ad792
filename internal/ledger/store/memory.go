package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"flowerfund/internal/common/events"
	"flowerfund/internal/ledger"
	"flowerfund/internal/ledger/domain"
)

// Memory is an in-process ledger.Store for development and tests.
// Transactions are serialized by a single semaphore and run against a copy of
// the state that replaces the live state only on commit.
type Memory struct {
	sem chan struct{}

	mu    sync.RWMutex
	state *memState
}

var _ ledger.Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sem:   make(chan struct{}, 1),
		state: newMemState(),
	}
}

type memState struct {
	users       map[string]domain.User
	florists    map[string]domain.Florist
	projects    map[string]domain.Project
	pledges     map[string]domain.Pledge
	quotations  map[string]domain.Quotation
	commissions map[string]domain.Commission
	payouts     map[string]domain.Payout
	topups      map[string]domain.TopUp
	topupKeys   map[string]string
	commission  int64
	// batches and outbox are only appended to inside a transaction and are
	// shared between a state and its clones. A clone's append may write past
	// the live length, which no reader of the live state looks at. outbox
	// holds unpublished entries only.
	batches []*domain.Batch
	outbox  []events.OutboxEntry
}

func newMemState() *memState {
	return &memState{
		users:       map[string]domain.User{},
		florists:    map[string]domain.Florist{},
		projects:    map[string]domain.Project{},
		pledges:     map[string]domain.Pledge{},
		quotations:  map[string]domain.Quotation{},
		commissions: map[string]domain.Commission{},
		payouts:     map[string]domain.Payout{},
		topups:      map[string]domain.TopUp{},
		topupKeys:   map[string]string{},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		users:       cloneMap(s.users),
		florists:    cloneMap(s.florists),
		projects:    cloneMap(s.projects),
		pledges:     cloneMap(s.pledges),
		quotations:  make(map[string]domain.Quotation, len(s.quotations)),
		commissions: cloneMap(s.commissions),
		payouts:     cloneMap(s.payouts),
		topups:      cloneMap(s.topups),
		topupKeys:   cloneMap(s.topupKeys),
		commission:  s.commission,
		batches:     s.batches,
		outbox:      s.outbox,
	}
	for id, q := range s.quotations {
		q.Items = slices.Clone(q.Items)
		c.quotations[id] = q
	}
	return c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	c := make(map[K]V, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// InTx implements ledger.Store.
func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	m.mu.RLock()
	work := m.state.clone()
	m.mu.RUnlock()

	if err := fn(ctx, &memTx{s: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: transaction deadline passed before commit", domain.ErrContention)
		}
		return err
	}

	m.mu.Lock()
	m.state = work
	m.mu.Unlock()
	return nil
}

func (m *Memory) acquire(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: timed out waiting for ledger lock", domain.ErrContention)
		}
		return ctx.Err()
	}
}

func (m *Memory) release() {
	<-m.sem
}

func (m *Memory) read() *memState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GetUser implements ledger.Reader.
func (m *Memory) GetUser(_ context.Context, id string) (*domain.User, error) {
	return lookup(m.read().users, id, "user")
}

// GetFlorist implements ledger.Reader.
func (m *Memory) GetFlorist(_ context.Context, id string) (*domain.Florist, error) {
	return lookup(m.read().florists, id, "florist")
}

// GetProject implements ledger.Reader.
func (m *Memory) GetProject(_ context.Context, id string) (*domain.Project, error) {
	return lookup(m.read().projects, id, "project")
}

// GetQuotation implements ledger.Reader.
func (m *Memory) GetQuotation(_ context.Context, id string) (*domain.Quotation, error) {
	q, err := lookup(m.read().quotations, id, "quotation")
	if err != nil {
		return nil, err
	}
	q.Items = slices.Clone(q.Items)
	return q, nil
}

// GetPayout implements ledger.Reader.
func (m *Memory) GetPayout(_ context.Context, id string) (*domain.Payout, error) {
	return lookup(m.read().payouts, id, "payout")
}

// ListPledges implements ledger.Reader.
func (m *Memory) ListPledges(_ context.Context, projectID string) ([]*domain.Pledge, error) {
	return m.read().pledgesFor(projectID), nil
}

// ListCommissions implements ledger.Reader.
func (m *Memory) ListCommissions(_ context.Context, limit, offset int) ([]*domain.Commission, int64, error) {
	all := sortedValues(m.read().commissions, func(c domain.Commission) string { return c.ID })
	total := int64(len(all))
	if offset >= len(all) {
		return []*domain.Commission{}, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

// ListPayouts implements ledger.Reader.
func (m *Memory) ListPayouts(_ context.Context, filter ledger.PayoutFilter) ([]*domain.Payout, error) {
	out := []*domain.Payout{}
	for _, p := range sortedValues(m.read().payouts, func(p domain.Payout) string { return p.ID }) {
		if filter.FloristID != "" && p.FloristID != filter.FloristID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// ListEntries implements ledger.Reader. Newest entries come first.
func (m *Memory) ListEntries(_ context.Context, account domain.Account, limit int) ([]*domain.Entry, error) {
	state := m.read()
	out := []*domain.Entry{}
	for i := len(state.batches) - 1; i >= 0; i-- {
		entries := state.batches[i].Entries
		for j := len(entries) - 1; j >= 0; j-- {
			if entries[j].Account != account {
				continue
			}
			e := *entries[j]
			out = append(out, &e)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Totals implements ledger.Reader.
func (m *Memory) Totals(_ context.Context) (*domain.Totals, error) {
	state := m.read()
	t := &domain.Totals{Commission: state.commission, PoolDrift: map[string]domain.PoolDrift{}}
	for _, u := range state.users {
		t.UserPoints += u.PointBalance
	}
	for _, f := range state.florists {
		t.FloristBalances += f.Balance
	}
	pledgeSums := map[string]int64{}
	for _, p := range state.pledges {
		if !p.Refunded {
			pledgeSums[p.ProjectID] += p.Amount
		}
	}
	settled := map[string]int64{}
	for _, q := range state.quotations {
		if q.IsApproved {
			settled[q.ProjectID] += q.TotalAmount
		}
	}
	for _, p := range state.projects {
		t.ProjectPools += p.CollectedAmount
		if p.CollectedAmount != pledgeSums[p.ID]-settled[p.ID] {
			t.PoolDrift[p.ID] = domain.PoolDrift{
				CollectedAmount: p.CollectedAmount,
				PledgeSum:       pledgeSums[p.ID],
				Settled:         settled[p.ID],
			}
		}
	}
	for _, tu := range state.topups {
		t.ToppedUp += tu.Points
	}
	for _, p := range state.payouts {
		if p.Status != domain.PayoutRejected {
			t.PaidOut += p.Amount
		}
	}
	if len(t.PoolDrift) == 0 {
		t.PoolDrift = nil
	}
	return t, nil
}

// PendingOutbox implements ledger.Outbox.
func (m *Memory) PendingOutbox(_ context.Context, limit, maxAttempts int) ([]*events.OutboxEntry, error) {
	out := []*events.OutboxEntry{}
	for _, e := range m.read().outbox {
		if maxAttempts > 0 && e.Attempts >= maxAttempts {
			continue
		}
		entry := e
		out = append(out, &entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkOutboxPublished implements ledger.Outbox. Published entries are
// dropped from the store.
func (m *Memory) MarkOutboxPublished(ctx context.Context, id string, _ time.Time) error {
	return m.updateOutbox(ctx, id, nil)
}

// MarkOutboxFailed implements ledger.Outbox.
func (m *Memory) MarkOutboxFailed(ctx context.Context, id string, reason string) error {
	return m.updateOutbox(ctx, id, func(e *events.OutboxEntry) {
		e.Attempts++
		e.LastError = &reason
	})
}

// updateOutbox replaces entry id with fn applied to it, or removes it when fn
// is nil.
func (m *Memory) updateOutbox(ctx context.Context, id string, fn func(e *events.OutboxEntry)) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.state.outbox {
		if m.state.outbox[i].ID == id {
			// Readers may hold the current state; publish a new one instead of mutating it.
			next := *m.state
			next.outbox = slices.Clone(m.state.outbox)
			if fn == nil {
				next.outbox = slices.Delete(next.outbox, i, i+1)
			} else {
				fn(&next.outbox[i])
			}
			m.state = &next
			return nil
		}
	}
	return fmt.Errorf("outbox entry %s: %w", id, domain.ErrNotFound)
}

// memTx is a transaction over a private copy of the state.
type memTx struct {
	s *memState
}

var _ ledger.Tx = (*memTx)(nil)

func (t *memTx) LockUser(_ context.Context, id string) (*domain.User, error) {
	return lookup(t.s.users, id, "user")
}

func (t *memTx) LockFlorist(_ context.Context, id string) (*domain.Florist, error) {
	return lookup(t.s.florists, id, "florist")
}

func (t *memTx) LockProject(_ context.Context, id string) (*domain.Project, error) {
	return lookup(t.s.projects, id, "project")
}

func (t *memTx) LockQuotation(_ context.Context, id string) (*domain.Quotation, error) {
	q, err := lookup(t.s.quotations, id, "quotation")
	if err != nil {
		return nil, err
	}
	q.Items = slices.Clone(q.Items)
	return q, nil
}

func (t *memTx) LockPayout(_ context.Context, id string) (*domain.Payout, error) {
	return lookup(t.s.payouts, id, "payout")
}

func (t *memTx) LockPledges(_ context.Context, projectID string) ([]*domain.Pledge, error) {
	return t.s.pledgesFor(projectID), nil
}

func (t *memTx) FindTopUp(_ context.Context, key string) (*domain.TopUp, error) {
	id, ok := t.s.topupKeys[key]
	if !ok {
		return nil, fmt.Errorf("topup %s: %w", key, domain.ErrNotFound)
	}
	return lookup(t.s.topups, id, "topup")
}

func (t *memTx) InsertUser(_ context.Context, u *domain.User) error {
	return insert(t.s.users, u.ID, *u, "user")
}

func (t *memTx) InsertFlorist(_ context.Context, f *domain.Florist) error {
	return insert(t.s.florists, f.ID, *f, "florist")
}

func (t *memTx) InsertProject(_ context.Context, p *domain.Project) error {
	if _, ok := t.s.users[p.PlannerID]; !ok {
		return fmt.Errorf("planner %s: %w", p.PlannerID, domain.ErrNotFound)
	}
	return insert(t.s.projects, p.ID, *p, "project")
}

func (t *memTx) InsertPledge(_ context.Context, p *domain.Pledge) error {
	if _, ok := t.s.projects[p.ProjectID]; !ok {
		return fmt.Errorf("project %s: %w", p.ProjectID, domain.ErrNotFound)
	}
	if _, ok := t.s.users[p.UserID]; !ok {
		return fmt.Errorf("user %s: %w", p.UserID, domain.ErrNotFound)
	}
	return insert(t.s.pledges, p.ID, *p, "pledge")
}

func (t *memTx) InsertQuotation(_ context.Context, q *domain.Quotation) error {
	if _, ok := t.s.projects[q.ProjectID]; !ok {
		return fmt.Errorf("project %s: %w", q.ProjectID, domain.ErrNotFound)
	}
	if _, ok := t.s.florists[q.FloristID]; !ok {
		return fmt.Errorf("florist %s: %w", q.FloristID, domain.ErrNotFound)
	}
	for _, existing := range t.s.quotations {
		if existing.ProjectID == q.ProjectID {
			return fmt.Errorf("quotation for project %s: %w", q.ProjectID, domain.ErrDuplicate)
		}
	}
	stored := *q
	stored.Items = slices.Clone(q.Items)
	return insert(t.s.quotations, q.ID, stored, "quotation")
}

func (t *memTx) InsertCommission(_ context.Context, c *domain.Commission) error {
	for _, existing := range t.s.commissions {
		if existing.QuotationID == c.QuotationID {
			return fmt.Errorf("commission for quotation %s: %w", c.QuotationID, domain.ErrDuplicate)
		}
	}
	return insert(t.s.commissions, c.ID, *c, "commission")
}

func (t *memTx) InsertPayout(_ context.Context, p *domain.Payout) error {
	if _, ok := t.s.florists[p.FloristID]; !ok {
		return fmt.Errorf("florist %s: %w", p.FloristID, domain.ErrNotFound)
	}
	return insert(t.s.payouts, p.ID, *p, "payout")
}

func (t *memTx) InsertTopUp(_ context.Context, tu *domain.TopUp) error {
	if _, ok := t.s.topupKeys[tu.IdempotencyKey]; ok {
		return fmt.Errorf("topup %s: %w", tu.IdempotencyKey, domain.ErrDuplicate)
	}
	if _, ok := t.s.users[tu.UserID]; !ok {
		return fmt.Errorf("user %s: %w", tu.UserID, domain.ErrNotFound)
	}
	if err := insert(t.s.topups, tu.ID, *tu, "topup"); err != nil {
		return err
	}
	t.s.topupKeys[tu.IdempotencyKey] = tu.ID
	return nil
}

func (t *memTx) UpdateProject(_ context.Context, id string, upd domain.ProjectUpdate) error {
	return update(t.s.projects, id, "project", func(p *domain.Project) {
		p.Status = upd.Status
		if upd.CompletionComment != nil {
			p.CompletionComment = *upd.CompletionComment
		}
		p.UpdatedAt = time.Now().UTC()
	})
}

func (t *memTx) UpdateUserStats(_ context.Context, id string, stats domain.UserStats) error {
	return update(t.s.users, id, "user", func(u *domain.User) {
		u.TotalPledged = stats.TotalPledged
		u.SupportLevel = stats.SupportLevel
	})
}

func (t *memTx) UpdateFlorist(_ context.Context, id string, review domain.FloristReview) error {
	return update(t.s.florists, id, "florist", func(f *domain.Florist) {
		f.Status = review.Status
	})
}

func (t *memTx) MarkPledgeRefunded(_ context.Context, id string) error {
	return update(t.s.pledges, id, "pledge", func(p *domain.Pledge) {
		p.Refunded = true
	})
}

func (t *memTx) MarkQuotationApproved(_ context.Context, id string, at time.Time) error {
	return update(t.s.quotations, id, "quotation", func(q *domain.Quotation) {
		q.IsApproved = true
		q.ApprovedAt = &at
	})
}

func (t *memTx) UpdatePayoutStatus(_ context.Context, id string, status domain.PayoutStatus) error {
	return update(t.s.payouts, id, "payout", func(p *domain.Payout) {
		p.Status = status
		p.UpdatedAt = time.Now().UTC()
	})
}

func (t *memTx) AdjustBalance(_ context.Context, account domain.Account, delta int64) (int64, error) {
	var balance *int64
	var commit func()

	switch account.Kind {
	case domain.AccountUser:
		u, ok := t.s.users[account.ID]
		if !ok {
			return 0, fmt.Errorf("user %s: %w", account.ID, domain.ErrNotFound)
		}
		balance = &u.PointBalance
		commit = func() { t.s.users[account.ID] = u }
	case domain.AccountFlorist:
		f, ok := t.s.florists[account.ID]
		if !ok {
			return 0, fmt.Errorf("florist %s: %w", account.ID, domain.ErrNotFound)
		}
		balance = &f.Balance
		commit = func() { t.s.florists[account.ID] = f }
	case domain.AccountProject:
		p, ok := t.s.projects[account.ID]
		if !ok {
			return 0, fmt.Errorf("project %s: %w", account.ID, domain.ErrNotFound)
		}
		balance = &p.CollectedAmount
		commit = func() { t.s.projects[account.ID] = p }
	case domain.AccountPlatform:
		if account.ID != domain.PlatformCommissionID {
			return 0, fmt.Errorf("platform account %s: %w", account.ID, domain.ErrNotFound)
		}
		c := t.s.commission
		balance = &c
		commit = func() { t.s.commission = c }
	default:
		return 0, fmt.Errorf("%w: account %s has no stored balance", domain.ErrValidation, account)
	}

	next := *balance + delta
	if next < 0 {
		return 0, fmt.Errorf("%s balance %d, need %d: %w", account, *balance, -delta, domain.ErrInsufficientFunds)
	}
	*balance = next
	commit()
	return next, nil
}

func (t *memTx) InsertBatch(_ context.Context, batch *domain.Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	t.s.batches = append(t.s.batches, batch)
	return nil
}

func (t *memTx) InsertOutbox(_ context.Context, entry *events.OutboxEntry) error {
	t.s.outbox = append(t.s.outbox, *entry)
	return nil
}

func (s *memState) pledgesFor(projectID string) []*domain.Pledge {
	out := []*domain.Pledge{}
	for _, p := range sortedValues(s.pledges, func(p domain.Pledge) string { return p.ID }) {
		if p.ProjectID == projectID {
			out = append(out, p)
		}
	}
	return out
}

func lookup[V any](m map[string]V, id, what string) (*V, error) {
	v, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", what, id, domain.ErrNotFound)
	}
	return &v, nil
}

func insert[V any](m map[string]V, id string, v V, what string) error {
	if _, ok := m[id]; ok {
		return fmt.Errorf("%s %s: %w", what, id, domain.ErrDuplicate)
	}
	m[id] = v
	return nil
}

func update[V any](m map[string]V, id, what string, fn func(*V)) error {
	v, ok := m[id]
	if !ok {
		return fmt.Errorf("%s %s: %w", what, id, domain.ErrNotFound)
	}
	fn(&v)
	m[id] = v
	return nil
}

func sortedValues[V any](m map[string]V, key func(V) string) []*V {
	out := make([]*V, 0, len(m))
	for _, v := range m {
		v := v
		out = append(out, &v)
	}
	slices.SortFunc(out, func(a, b *V) int { return cmp.Compare(key(*a), key(*b)) })
	return out
}
