package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Clamepending/clawork/pkg/money"
	"github.com/Clamepending/clawork/pkg/token"
)

type Config struct {
	// CollateralAmount is the fixed refundable deposit escrowed per paid bounty.
	CollateralAmount decimal.Decimal
	// CollateralMin is the claimant's minimum total balance on the bounty's chain.
	CollateralMin decimal.Decimal
	// PenaltyAmount is the flat late-rating deduction applied to the poster.
	PenaltyAmount decimal.Decimal
	// PayoutThreshold is the lowest rating that still pays out.
	PayoutThreshold int
	// RatingWindow is how long the poster has to rate before the sweep resolves.
	RatingWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		CollateralAmount: decimal.RequireFromString("0.001"),
		CollateralMin:    decimal.RequireFromString("0.1"),
		PenaltyAmount:    decimal.RequireFromString("0.01"),
		PayoutThreshold:  2,
		RatingWindow:     24 * time.Hour,
	}
}

// Engine owns every balance mutation. All moves go through Store.UpsertBalance
// (or a composite store method wrapping it), never through read-then-write
// pairs here.
type Engine struct {
	store    Store
	cfg      Config
	verifier DepositVerifier
	now      func() time.Time
}

func NewEngine(store Store, cfg Config) *Engine {
	return &Engine{store: store, cfg: cfg, now: time.Now}
}

// WithVerifier installs the on-chain deposit collaborator. Without one,
// recorded tx hashes are trusted as already settled.
func (e *Engine) WithVerifier(v DepositVerifier) *Engine {
	e.verifier = v
	return e
}

// WithNow overrides the clock, for rating-deadline tests.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.now = now
	return e
}

type PostedBounty struct {
	Bounty Bounty
	// Token is the raw private token, returned exactly once. Losing it
	// forfeits rating and deletion; the public id alone unlocks nothing.
	Token string
}

func (e *Engine) PostBounty(ctx context.Context, description, amountStr, chain, posterKey, txHash string) (PostedBounty, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return PostedBounty{}, fmt.Errorf("description required: %w", ErrInvalidInput)
	}
	chain, err := normalizeChain(chain)
	if err != nil {
		return PostedBounty{}, err
	}
	amount, err := money.Parse(amountStr)
	if err != nil {
		return PostedBounty{}, fmt.Errorf("%v: %w", err, ErrInvalidInput)
	}
	if amount.IsPositive() && strings.TrimSpace(posterKey) == "" {
		return PostedBounty{}, fmt.Errorf("paid bounty requires a poster key: %w", ErrInvalidInput)
	}

	raw, err := token.New()
	if err != nil {
		return PostedBounty{}, err
	}
	b := Bounty{
		TokenHash:   token.Hash(raw),
		Description: description,
		Amount:      amount,
		Chain:       chain,
		PosterKey:   strings.TrimSpace(posterKey),
		Status:      BountyOpen,
		CreatedAt:   e.now().UTC(),
	}
	var p *Payment
	if b.Paid() {
		p = &Payment{
			JobAmount:        amount,
			CollateralAmount: e.cfg.CollateralAmount,
			TxHash:           strings.TrimSpace(txHash),
		}
	}
	created, err := e.store.CreateBounty(ctx, b, p)
	if err != nil {
		return PostedBounty{}, err
	}
	return PostedBounty{Bounty: created, Token: raw}, nil
}

// DeleteBounty reverses escrow for a still-open bounty. The raw token plus a
// matching poster key are both required; claimed bounties are immutable.
func (e *Engine) DeleteBounty(ctx context.Context, rawToken, posterKey string) (bool, error) {
	b, err := e.store.BountyByTokenHash(ctx, token.Hash(rawToken))
	if err != nil {
		return false, err
	}
	if b.PosterKey != "" && b.PosterKey != strings.TrimSpace(posterKey) {
		return false, ErrUnauthorized
	}
	if b.Status != BountyOpen {
		return false, fmt.Errorf("bounty already claimed: %w", ErrInvalidState)
	}
	return e.store.DeleteOpenBounty(ctx, b.ID)
}

// SubmitClaim attaches the single submission to an open bounty and credits
// the bounty amount to the claimant's pending balance, atomically. Paid
// bounties gate on collateral and worst-case penalty cover; free bounties
// skip every check.
func (e *Engine) SubmitClaim(ctx context.Context, bountyID int64, response, claimantKey string) (Submission, error) {
	response = strings.TrimSpace(response)
	claimantKey = strings.TrimSpace(claimantKey)
	if response == "" || claimantKey == "" {
		return Submission{}, fmt.Errorf("response and claimant key required: %w", ErrInvalidInput)
	}
	b, err := e.store.BountyByID(ctx, bountyID)
	if err != nil {
		return Submission{}, err
	}
	if b.Status != BountyOpen {
		return Submission{}, fmt.Errorf("bounty is not open: %w", ErrInvalidState)
	}

	// The gates run inside the claim mutation, under the store's row lock, so
	// a concurrent withdrawal cannot slip the claimant below the thresholds
	// between check and claim.
	fn := creditPending(b.Amount)
	if b.Paid() {
		fn = gatedClaimCredit(b.Amount, e.cfg.CollateralMin, e.cfg.PenaltyAmount)
	}

	now := e.now().UTC()
	sub := Submission{
		BountyID:       b.ID,
		Response:       response,
		ClaimantKey:    claimantKey,
		RatingDeadline: now.Add(e.cfg.RatingWindow),
		CreatedAt:      now,
	}
	return e.store.CreateSubmissionAndClaim(ctx, sub, claimantKey, b.Chain, fn)
}

type Resolution struct {
	Rating           int
	Paid             bool
	IsLate           bool
	HoursLate        float64
	ClaimantBalances Balance
}

// ResolveRating consumes a 1..5 rating for the bounty's submission. Ratings
// at or above the payout threshold release pending funds to verified; below
// it the pending payout is forfeited. A late rating costs the poster a flat
// penalty either way, and the poster's collateral is returned afterwards.
func (e *Engine) ResolveRating(ctx context.Context, rawToken string, rating int) (Resolution, error) {
	if rating < 1 || rating > 5 {
		return Resolution{}, fmt.Errorf("rating must be 1..5: %w", ErrInvalidInput)
	}
	b, err := e.store.BountyByTokenHash(ctx, token.Hash(rawToken))
	if err != nil {
		return Resolution{}, err
	}
	sub, ok, err := e.store.SubmissionByBounty(ctx, b.ID)
	if err != nil {
		return Resolution{}, err
	}
	if !ok {
		return Resolution{}, fmt.Errorf("no submission to rate: %w", ErrNotFound)
	}
	if sub.Rating != nil {
		return Resolution{}, ErrAlreadyRated
	}

	now := e.now().UTC()
	isLate := now.After(sub.RatingDeadline)
	var hoursLate float64
	if isLate {
		hoursLate = now.Sub(sub.RatingDeadline).Hours()
	}

	paid := rating >= e.cfg.PayoutThreshold
	fn := forfeitPending(b.Amount)
	if paid {
		fn = releasePending(b.Amount)
	}
	bal, err := e.store.ResolveSubmission(ctx, sub.ID, rating, sub.ClaimantKey, b.Chain, fn)
	if err != nil {
		return Resolution{}, err
	}

	if isLate {
		if err := e.applyLatePenalty(ctx, b); err != nil {
			return Resolution{}, err
		}
	}
	if b.Paid() {
		if _, err := e.store.ReturnCollateral(ctx, b.ID); err != nil {
			return Resolution{}, err
		}
	}
	return Resolution{
		Rating:           rating,
		Paid:             paid,
		IsLate:           isLate,
		HoursLate:        hoursLate,
		ClaimantBalances: bal,
	}, nil
}

// SweepLateRatings resolves every submission whose rating window expired
// unrated. The claimant is paid in full (the poster's inaction is not the
// claimant's fault), the poster takes the flat late penalty, and rating 0 is
// written as the terminal marker so re-sweeping is a no-op.
func (e *Engine) SweepLateRatings(ctx context.Context) (int, error) {
	now := e.now().UTC()
	subs, err := e.store.ListExpiredUnrated(ctx, now)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, sub := range subs {
		b, err := e.store.BountyByID(ctx, sub.BountyID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return resolved, err
		}
		_, err = e.store.ResolveSubmission(ctx, sub.ID, 0, sub.ClaimantKey, b.Chain, releasePending(b.Amount))
		if err != nil {
			// A concurrent sweep or rating got there first; nothing lost.
			if errors.Is(err, ErrAlreadyRated) {
				continue
			}
			return resolved, err
		}
		if err := e.applyLatePenalty(ctx, b); err != nil {
			return resolved, err
		}
		if b.Paid() {
			if _, err := e.store.ReturnCollateral(ctx, b.ID); err != nil {
				return resolved, err
			}
		}
		resolved++
	}
	return resolved, nil
}

// ReturnCollateral is exposed for administrative replays; it is a guarded
// no-op when already returned.
func (e *Engine) ReturnCollateral(ctx context.Context, bountyID int64) (bool, error) {
	return e.store.ReturnCollateral(ctx, bountyID)
}

func (e *Engine) GetBalances(ctx context.Context, key, chain string) (Balance, error) {
	chain, err := normalizeChain(chain)
	if err != nil {
		return Balance{}, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Balance{}, fmt.Errorf("balance key required: %w", ErrInvalidInput)
	}
	bal, ok, err := e.store.GetBalance(ctx, key, chain)
	if err != nil {
		return Balance{}, err
	}
	if !ok {
		return zeroBalance(key, chain), nil
	}
	return bal, nil
}

func (e *Engine) Deposit(ctx context.Context, key, chain, amountStr, txHash string) (Balance, error) {
	chain, err := normalizeChain(chain)
	if err != nil {
		return Balance{}, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Balance{}, fmt.Errorf("balance key required: %w", ErrInvalidInput)
	}
	amount, err := money.ParsePositive(amountStr)
	if err != nil {
		return Balance{}, fmt.Errorf("%v: %w", err, ErrInvalidInput)
	}
	if e.verifier != nil && strings.TrimSpace(txHash) != "" {
		if err := e.verifier.VerifyDeposit(ctx, chain, strings.TrimSpace(txHash), amount); err != nil {
			return Balance{}, fmt.Errorf("deposit not confirmed on chain: %w", ErrInvalidInput)
		}
	}
	return e.store.UpsertBalance(ctx, key, chain, CreditVerified(amount))
}

func (e *Engine) Withdraw(ctx context.Context, key, chain, amountStr string) (Balance, error) {
	chain, err := normalizeChain(chain)
	if err != nil {
		return Balance{}, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Balance{}, fmt.Errorf("balance key required: %w", ErrInvalidInput)
	}
	amount, err := money.ParsePositive(amountStr)
	if err != nil {
		return Balance{}, fmt.Errorf("%v: %w", err, ErrInvalidInput)
	}
	if _, ok, err := e.store.GetBalance(ctx, key, chain); err != nil {
		return Balance{}, err
	} else if !ok {
		return Balance{}, fmt.Errorf("no balance on chain %s: %w", chain, ErrNotFound)
	}
	return e.store.UpsertBalance(ctx, key, chain, debitVerified(amount))
}

func (e *Engine) ListOpenBounties(ctx context.Context) ([]Bounty, error) {
	return e.store.ListOpenBounties(ctx)
}

// GetBounty returns the public view: the bounty plus its submission, if any.
func (e *Engine) GetBounty(ctx context.Context, id int64) (Bounty, *Submission, error) {
	b, err := e.store.BountyByID(ctx, id)
	if err != nil {
		return Bounty{}, nil, err
	}
	sub, ok, err := e.store.SubmissionByBounty(ctx, b.ID)
	if err != nil {
		return Bounty{}, nil, err
	}
	if !ok {
		return b, nil, nil
	}
	return b, &sub, nil
}

// applyLatePenalty deducts the flat penalty from the poster of a paid bounty,
// floored at zero. Guarded upstream by the terminal rating write, so it runs
// at most once per submission. Storage failures propagate: the rating has
// already committed, so the caller must see that the penalty did not land.
func (e *Engine) applyLatePenalty(ctx context.Context, b Bounty) error {
	if !b.Paid() || b.PosterKey == "" {
		return nil
	}
	_, err := e.store.UpsertBalance(ctx, b.PosterKey, b.Chain, deductVerifiedClamped(e.cfg.PenaltyAmount))
	return err
}

func normalizeChain(chain string) (string, error) {
	chain = strings.ToLower(strings.TrimSpace(chain))
	if chain == "" {
		return "", fmt.Errorf("chain required: %w", ErrInvalidInput)
	}
	return chain, nil
}

func zeroBalance(key, chain string) Balance {
	return Balance{Key: key, Chain: chain, Total: decimal.Zero, Verified: decimal.Zero, Pending: decimal.Zero}
}

// CreditVerified adds settled funds: deposits and collateral returns.
func CreditVerified(amount decimal.Decimal) Mutation {
	return func(b Balance) (Balance, error) {
		b.Verified = b.Verified.Add(amount)
		b.Total = b.Verified.Add(b.Pending)
		return b, nil
	}
}

// gatedClaimCredit enforces the paid-bounty claim preconditions against the
// locked balance row, then escrows the payout. Worst case after rating is a
// flat penalty; requiring cover up front keeps the floor-at-zero clamp from
// hiding real debt.
func gatedClaimCredit(amount, collateralMin, penaltyCover decimal.Decimal) Mutation {
	return func(b Balance) (Balance, error) {
		if b.Total.LessThan(collateralMin) {
			return b, ErrInsufficientCollateral
		}
		if b.Total.LessThan(penaltyCover) {
			return b, ErrInsufficientBalance
		}
		return creditPending(amount)(b)
	}
}

// creditPending escrows earned-but-unreleased funds on claim.
func creditPending(amount decimal.Decimal) Mutation {
	return func(b Balance) (Balance, error) {
		b.Pending = b.Pending.Add(amount)
		b.Total = b.Verified.Add(b.Pending)
		return b, nil
	}
}

// releasePending moves up to amount from pending to verified (payout).
func releasePending(amount decimal.Decimal) Mutation {
	return func(b Balance) (Balance, error) {
		moved := decimal.Min(b.Pending, amount)
		b.Pending = b.Pending.Sub(moved)
		b.Verified = b.Verified.Add(moved)
		b.Total = b.Verified.Add(b.Pending)
		return b, nil
	}
}

// forfeitPending drops up to amount from pending without paying it out.
func forfeitPending(amount decimal.Decimal) Mutation {
	return func(b Balance) (Balance, error) {
		b.Pending = money.Clamp(b.Pending.Sub(amount))
		b.Total = b.Verified.Add(b.Pending)
		return b, nil
	}
}

// deductVerifiedClamped applies a penalty, floored at zero.
func deductVerifiedClamped(amount decimal.Decimal) Mutation {
	return func(b Balance) (Balance, error) {
		b.Verified = money.Clamp(b.Verified.Sub(amount))
		b.Total = b.Verified.Add(b.Pending)
		return b, nil
	}
}

// debitVerified withdraws settled funds, failing below the floor.
func debitVerified(amount decimal.Decimal) Mutation {
	return func(b Balance) (Balance, error) {
		if b.Verified.LessThan(amount) {
			return b, ErrInsufficientFunds
		}
		b.Verified = b.Verified.Sub(amount)
		b.Total = b.Verified.Add(b.Pending)
		return b, nil
	}
}
