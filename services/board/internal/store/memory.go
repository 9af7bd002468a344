package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Clamepending/clawork/services/board/internal/ledger"
)

// Memory is the non-Postgres backend: a mutex-serialized in-process store.
// It backs single-node deployments without a database and the unit tests.
// One lock for the whole store keeps every composite operation atomic, which
// is all the serialization the ledger contract asks for.
type Memory struct {
	mu sync.Mutex

	balances map[balanceKey]ledger.Balance

	nextBountyID int64
	bounties     map[int64]ledger.Bounty
	byTokenHash  map[string]int64
	payments     map[int64]ledger.Payment

	nextSubmissionID int64
	submissions      map[int64]ledger.Submission
	byBounty         map[int64]int64

	idem map[string]idemRecord
}

type balanceKey struct{ key, chain string }

type idemRecord struct {
	status int
	body   map[string]any
}

func NewMemory() *Memory {
	return &Memory{
		balances:    make(map[balanceKey]ledger.Balance),
		bounties:    make(map[int64]ledger.Bounty),
		byTokenHash: make(map[string]int64),
		payments:    make(map[int64]ledger.Payment),
		submissions: make(map[int64]ledger.Submission),
		byBounty:    make(map[int64]int64),
		idem:        make(map[string]idemRecord),
	}
}

func (m *Memory) GetBalance(ctx context.Context, key, chain string) (ledger.Balance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[balanceKey{key, chain}]
	return bal, ok, nil
}

func (m *Memory) UpsertBalance(ctx context.Context, key, chain string, fn ledger.Mutation) (ledger.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertLocked(key, chain, fn)
}

func (m *Memory) upsertLocked(key, chain string, fn ledger.Mutation) (ledger.Balance, error) {
	k := balanceKey{key, chain}
	cur, ok := m.balances[k]
	if !ok {
		cur = ledger.Balance{Key: key, Chain: chain}
	}
	next, err := fn(cur)
	if err != nil {
		return ledger.Balance{}, err
	}
	next.Key, next.Chain = key, chain
	m.balances[k] = next
	return next, nil
}

func (m *Memory) CreateBounty(ctx context.Context, b ledger.Bounty, p *ledger.Payment) (ledger.Bounty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextBountyID++
	b.ID = m.nextBountyID
	m.bounties[b.ID] = b
	m.byTokenHash[b.TokenHash] = b.ID
	if p != nil {
		pay := *p
		pay.BountyID = b.ID
		m.payments[b.ID] = pay
	}
	return b, nil
}

func (m *Memory) BountyByID(ctx context.Context, id int64) (ledger.Bounty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bounties[id]
	if !ok {
		return ledger.Bounty{}, fmt.Errorf("bounty %d: %w", id, ledger.ErrNotFound)
	}
	return b, nil
}

func (m *Memory) BountyByTokenHash(ctx context.Context, tokenHash string) (ledger.Bounty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTokenHash[tokenHash]
	if !ok {
		return ledger.Bounty{}, fmt.Errorf("bounty token: %w", ledger.ErrNotFound)
	}
	return m.bounties[id], nil
}

func (m *Memory) ListOpenBounties(ctx context.Context) ([]ledger.Bounty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ledger.Bounty, 0)
	for _, b := range m.bounties {
		if b.Status == ledger.BountyOpen {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) PaymentByBounty(ctx context.Context, bountyID int64) (ledger.Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[bountyID]
	return p, ok, nil
}

func (m *Memory) DeleteOpenBounty(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bounties[id]
	if !ok {
		return false, fmt.Errorf("bounty %d: %w", id, ledger.ErrNotFound)
	}
	if b.Status != ledger.BountyOpen {
		return false, fmt.Errorf("bounty already claimed: %w", ledger.ErrInvalidState)
	}
	returned := false
	if p, ok := m.payments[id]; ok && !p.CollateralReturned {
		if _, err := m.upsertLocked(b.PosterKey, b.Chain, ledger.CreditVerified(p.CollateralAmount)); err != nil {
			return false, err
		}
		returned = true
	}
	delete(m.payments, id)
	delete(m.byTokenHash, b.TokenHash)
	delete(m.bounties, id)
	return returned, nil
}

func (m *Memory) CreateSubmissionAndClaim(ctx context.Context, sub ledger.Submission, key, chain string, fn ledger.Mutation) (ledger.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bounties[sub.BountyID]
	if !ok {
		return ledger.Submission{}, fmt.Errorf("bounty %d: %w", sub.BountyID, ledger.ErrNotFound)
	}
	if b.Status != ledger.BountyOpen {
		return ledger.Submission{}, fmt.Errorf("bounty is not open: %w", ledger.ErrInvalidState)
	}
	if _, err := m.upsertLocked(key, chain, fn); err != nil {
		return ledger.Submission{}, err
	}
	b.Status = ledger.BountyClaimed
	m.bounties[b.ID] = b
	m.nextSubmissionID++
	sub.ID = m.nextSubmissionID
	m.submissions[sub.ID] = sub
	m.byBounty[sub.BountyID] = sub.ID
	return sub, nil
}

func (m *Memory) SubmissionByBounty(ctx context.Context, bountyID int64) (ledger.Submission, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byBounty[bountyID]
	if !ok {
		return ledger.Submission{}, false, nil
	}
	return m.submissions[id], true, nil
}

func (m *Memory) ResolveSubmission(ctx context.Context, submissionID int64, rating int, key, chain string, fn ledger.Mutation) (ledger.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[submissionID]
	if !ok {
		return ledger.Balance{}, fmt.Errorf("submission %d: %w", submissionID, ledger.ErrNotFound)
	}
	if sub.Rating != nil {
		return ledger.Balance{}, ledger.ErrAlreadyRated
	}
	bal, err := m.upsertLocked(key, chain, fn)
	if err != nil {
		return ledger.Balance{}, err
	}
	sub.Rating = &rating
	m.submissions[submissionID] = sub
	return bal, nil
}

func (m *Memory) ListExpiredUnrated(ctx context.Context, now time.Time) ([]ledger.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ledger.Submission, 0)
	for _, sub := range m.submissions {
		if sub.Rating == nil && sub.RatingDeadline.Before(now) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ReturnCollateral(ctx context.Context, bountyID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[bountyID]
	if !ok || p.CollateralReturned {
		return false, nil
	}
	b, ok := m.bounties[bountyID]
	if !ok {
		return false, fmt.Errorf("bounty %d: %w", bountyID, ledger.ErrNotFound)
	}
	if _, err := m.upsertLocked(b.PosterKey, b.Chain, ledger.CreditVerified(p.CollateralAmount)); err != nil {
		return false, err
	}
	now := time.Now().UTC()
	p.CollateralReturned = true
	p.ReturnedAt = &now
	m.payments[bountyID] = p
	return true, nil
}

func (m *Memory) GetIdempotencyRecord(ctx context.Context, callerKey, idemKey, endpoint string) (int, map[string]any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idem[callerKey+"\x00"+idemKey+"\x00"+endpoint]
	if !ok {
		return 0, nil, false, nil
	}
	return rec.status, rec.body, true, nil
}

func (m *Memory) SaveIdempotencyRecord(ctx context.Context, callerKey, idemKey, endpoint string, responseStatus int, responseBody map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idem[callerKey+"\x00"+idemKey+"\x00"+endpoint] = idemRecord{status: responseStatus, body: responseBody}
	return nil
}
