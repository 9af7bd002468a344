package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clamepending/clawork/services/board/internal/ledger"
	"github.com/Clamepending/clawork/services/board/internal/store"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, cfg ledger.Config) (*ledger.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	eng := ledger.NewEngine(mem, cfg).WithNow(func() time.Time { return t0 })
	return eng, mem
}

func assertBalances(t *testing.T, eng *ledger.Engine, key, chain, total, verified, pending string) {
	t.Helper()
	bal, err := eng.GetBalances(context.Background(), key, chain)
	require.NoError(t, err)
	assert.True(t, bal.Total.Equal(decimal.RequireFromString(total)), "total = %s, want %s", bal.Total, total)
	assert.True(t, bal.Verified.Equal(decimal.RequireFromString(verified)), "verified = %s, want %s", bal.Verified, verified)
	assert.True(t, bal.Pending.Equal(decimal.RequireFromString(pending)), "pending = %s, want %s", bal.Pending, pending)
	assert.True(t, bal.Total.Equal(bal.Verified.Add(bal.Pending)), "conservation: total == verified + pending")
	assert.False(t, bal.Total.IsNegative(), "floor: total never negative")
	assert.False(t, bal.Verified.IsNegative(), "floor: verified never negative")
	assert.False(t, bal.Pending.IsNegative(), "floor: pending never negative")
}

// postAndClaim sets up the common fixture: poster escrows a 5-unit bounty,
// claimant with 0.2 verified submits work.
func postAndClaim(t *testing.T, eng *ledger.Engine) ledger.PostedBounty {
	t.Helper()
	ctx := context.Background()

	_, err := eng.Deposit(ctx, "claimant-c", "base", "0.2", "")
	require.NoError(t, err)

	posted, err := eng.PostBounty(ctx, "fix the flaky test", "5", "base", "poster-p", "0xescrow")
	require.NoError(t, err)
	require.NotEmpty(t, posted.Token)
	require.Equal(t, ledger.BountyOpen, posted.Bounty.Status)

	_, err = eng.SubmitClaim(ctx, posted.Bounty.ID, "done, see PR #42", "claimant-c")
	require.NoError(t, err)
	return posted
}

func TestHighRatingPaysOutAndReturnsCollateral(t *testing.T) {
	eng, _ := newEngine(t, ledger.DefaultConfig())
	ctx := context.Background()
	posted := postAndClaim(t, eng)

	assertBalances(t, eng, "claimant-c", "base", "5.2", "0.2", "5")

	res, err := eng.ResolveRating(ctx, posted.Token, 5)
	require.NoError(t, err)
	assert.True(t, res.Paid)
	assert.False(t, res.IsLate)

	assertBalances(t, eng, "claimant-c", "base", "5.2", "5.2", "0")
	assertBalances(t, eng, "poster-p", "base", "0.001", "0.001", "0")
}

func TestLowRatingForfeitsPayout(t *testing.T) {
	eng, _ := newEngine(t, ledger.DefaultConfig())
	ctx := context.Background()
	posted := postAndClaim(t, eng)

	res, err := eng.ResolveRating(ctx, posted.Token, 1)
	require.NoError(t, err)
	assert.False(t, res.Paid)

	// Payout withheld: the 5 units leave pending without reaching verified.
	assertBalances(t, eng, "claimant-c", "base", "0.2", "0.2", "0")
	// Collateral still comes back even on a bad rating.
	assertBalances(t, eng, "poster-p", "base", "0.001", "0.001", "0")
}

func TestPayoutThresholdBoundary(t *testing.T) {
	eng, _ := newEngine(t, ledger.DefaultConfig())
	posted := postAndClaim(t, eng)

	// 2 stars and above pay.
	res, err := eng.ResolveRating(context.Background(), posted.Token, 2)
	require.NoError(t, err)
	assert.True(t, res.Paid)
	assertBalances(t, eng, "claimant-c", "base", "5.2", "5.2", "0")
}

func TestSweepResolvesExpiredUnrated(t *testing.T) {
	eng, _ := newEngine(t, ledger.DefaultConfig())
	ctx := context.Background()
	posted := postAndClaim(t, eng)

	// Nothing expired yet.
	n, err := eng.SweepLateRatings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	eng.WithNow(func() time.Time { return t0.Add(25 * time.Hour) })

	n, err = eng.SweepLateRatings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// No human rating means full payout: the claimant is not punished for the
	// poster's inaction.
	assertBalances(t, eng, "claimant-c", "base", "5.2", "5.2", "0")
	// Poster: 0.01 penalty clamps against an empty balance, then collateral
	// comes back.
	assertBalances(t, eng, "poster-p", "base", "0.001", "0.001", "0")

	// Terminal: re-sweeping and re-rating are both dead ends.
	n, err = eng.SweepLateRatings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, err = eng.ResolveRating(ctx, posted.Token, 5)
	assert.ErrorIs(t, err, ledger.ErrAlreadyRated)
	assertBalances(t, eng, "claimant-c", "base", "5.2", "5.2", "0")
}

func TestLateRatingPenalizesPoster(t *testing.T) {
	eng, _ := newEngine(t, ledger.DefaultConfig())
	ctx := context.Background()

	// Give the poster funds so the penalty actually bites.
	_, err := eng.Deposit(ctx, "poster-p", "base", "1", "")
	require.NoError(t, err)

	posted := postAndClaim(t, eng)
	eng.WithNow(func() time.Time { return t0.Add(26 * time.Hour) })

	res, err := eng.ResolveRating(ctx, posted.Token, 5)
	require.NoError(t, err)
	assert.True(t, res.IsLate)
	assert.InDelta(t, 2.0, res.HoursLate, 0.01)

	assertBalances(t, eng, "claimant-c", "base", "5.2", "5.2", "0")
	// 1 - 0.01 penalty + 0.001 collateral
	assertBalances(t, eng, "poster-p", "base", "0.991", "0.991", "0")
}

func TestRatingTerminalAfterManualRating(t *testing.T) {
	eng, _ := newEngine(t, ledger.DefaultConfig())
	ctx := context.Background()
	posted := postAndClaim(t, eng)

	_, err := eng.ResolveRating(ctx, posted.Token, 4)
	require.NoError(t, err)

	_, err = eng.ResolveRating(ctx, posted.Token, 1)
	assert.ErrorIs(t, err, ledger.ErrAlreadyRated)
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
	assertBalances(t, eng, "claimant-c", "base", "5.2", "5.2", "0")
}

func TestCollateralReturnIdempotent(t *testing.T) {
	eng, _ := newEngine(t, ledger.DefaultConfig())
	ctx := context.Background()
	posted := postAndClaim(t, eng)

	returned, err := eng.ReturnCollateral(ctx, posted.Bounty.ID)
	require.NoError(t, err)
	assert.True(t, returned)

	returned, err = eng.ReturnCollateral(ctx, posted.Bounty.ID)
	require.NoError(t, err)
	assert.False(t, returned, "second return must be a no-op")

	assertBalances(t, eng, "poster-p", "base", "0.001", "0.001", "0")
}

func TestClaimGating(t *testing.T) {
	eng, _ := newEngine(t, ledger.DefaultConfig())
	ctx := context.Background()

	posted, err := eng.PostBounty(ctx, "write docs", "3", "base", "poster-p", "")
	require.NoError(t, err)

	// No balance row at all.
	_, err = eng.SubmitClaim(ctx, posted.Bounty.ID, "draft attached", "claimant-c")
	assert.ErrorIs(t, err, ledger.ErrInsufficientCollateral)

	// Below the 0.1 threshold.
	_, err = eng.Deposit(ctx, "claimant-c", "base", "0.05", "")
	require.NoError(t, err)
	_, err = eng.SubmitClaim(ctx, posted.Bounty.ID, "draft attached", "claimant-c")
	assert.ErrorIs(t, err, ledger.ErrInsufficientCollateral)

	// Topping up to the threshold unlocks the claim.
	_, err = eng.Deposit(ctx, "claimant-c", "base", "0.05", "")
	require.NoError(t, err)
	_, err = eng.SubmitClaim(ctx, posted.Bounty.ID, "draft attached", "claimant-c")
	require.NoError(t, err)
	assertBalances(t, eng, "claimant-c", "base", "3.1", "0.1", "3")
}

func TestClaimRequiresPenaltyCover(t *testing.T) {
	cfg := ledger.DefaultConfig()
	// A threshold below the penalty makes the second gate reachable.
	cfg.CollateralMin = decimal.RequireFromString("0.005")
	eng, _ := newEngine(t, cfg)
	ctx := context.Background()

	posted, err := eng.PostBounty(ctx, "triage issues", "1", "base", "poster-p", "")
	require.NoError(t, err)

	_, err = eng.Deposit(ctx, "claimant-c", "base", "0.007", "")
	require.NoError(t, err)
	_, err = eng.SubmitClaim(ctx, posted.Bounty.ID, "triaged", "claimant-c")
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestFreeBountySkipsAllChecks(t *testing.T) {
	eng, _ := newEngine(t, ledger.DefaultConfig())
	ctx := context.Background()

	posted, err := eng.PostBounty(ctx, "volunteer task", "0", "base", "", "")
	require.NoError(t, err)

	sub, err := eng.SubmitClaim(ctx, posted.Bounty.ID, "done for free", "claimant-zero")
	require.NoError(t, err, "zero-balance claimant may claim a free bounty")
	assert.Equal(t, "claimant-zero", sub.ClaimantKey)
	assertBalances(t, eng, "claimant-zero", "base", "0", "0", "0")

	// Rating a free bounty moves no funds and has no collateral to return.
	res, err := eng.ResolveRating(ctx, posted.Token, 5)
	require.NoError(t, err)
	assert.True(t, res.Paid)
	assertBalances(t, eng, "claimant-zero", "base", "0", "0", "0")
}

func TestClaimRejectedOnceClaimed(t *testing.T) {
	eng, _ := newEngine(t, ledger.DefaultConfig())
	ctx := context.Background()
	posted := postAndClaim(t, eng)

	_, err := eng.Deposit(ctx, "claimant-2", "base", "1", "")
	require.NoError(t, err)
	_, err = eng.SubmitClaim(ctx, posted.Bounty.ID, "me too", "claimant-2")
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
}

func TestDeleteBounty(t *testing.T) {
	eng, _ := newEngine(t, ledger.DefaultConfig())
	ctx := context.Background()

	posted, err := eng.PostBounty(ctx, "cancel me", "2", "base", "poster-p", "")
	require.NoError(t, err)

	_, err = eng.DeleteBounty(ctx, posted.Token, "someone-else")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	returned, err := eng.DeleteBounty(ctx, posted.Token, "poster-p")
	require.NoError(t, err)
	assert.True(t, returned, "unreturned collateral comes back on delete")
	assertBalances(t, eng, "poster-p", "base", "0.001", "0.001", "0")

	_, _, err = eng.GetBounty(ctx, posted.Bounty.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestDeleteClaimedBountyRejected(t *testing.T) {
	eng, _ := newEngine(t, ledger.DefaultConfig())
	posted := postAndClaim(t, eng)

	_, err := eng.DeleteBounty(context.Background(), posted.Token, "poster-p")
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
}

func TestDepositWithdraw(t *testing.T) {
	eng, _ := newEngine(t, ledger.DefaultConfig())
	ctx := context.Background()

	_, err := eng.Withdraw(ctx, "agent-a", "base", "1")
	assert.ErrorIs(t, err, ledger.ErrNotFound, "withdrawal needs an existing row")

	_, err = eng.Deposit(ctx, "agent-a", "base", "1", "0xdeadbeef")
	require.NoError(t, err)
	assertBalances(t, eng, "agent-a", "base", "1", "1", "0")

	_, err = eng.Withdraw(ctx, "agent-a", "base", "0.4")
	require.NoError(t, err)
	assertBalances(t, eng, "agent-a", "base", "0.6", "0.6", "0")

	_, err = eng.Withdraw(ctx, "agent-a", "base", "0.7")
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assertBalances(t, eng, "agent-a", "base", "0.6", "0.6", "0")
}

func TestPendingFundsNotWithdrawable(t *testing.T) {
	eng, _ := newEngine(t, ledger.DefaultConfig())
	ctx := context.Background()
	postAndClaim(t, eng)

	// 5 pending + 0.2 verified; only verified is withdrawable.
	_, err := eng.Withdraw(ctx, "claimant-c", "base", "1")
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestChainsAreIsolated(t *testing.T) {
	eng, _ := newEngine(t, ledger.DefaultConfig())
	ctx := context.Background()

	_, err := eng.Deposit(ctx, "claimant-c", "solana", "1", "")
	require.NoError(t, err)

	posted, err := eng.PostBounty(ctx, "base-side work", "1", "base", "poster-p", "")
	require.NoError(t, err)

	// Collateral must exist on the bounty's chain, not just anywhere.
	_, err = eng.SubmitClaim(ctx, posted.Bounty.ID, "done", "claimant-c")
	assert.ErrorIs(t, err, ledger.ErrInsufficientCollateral)
}

func TestPostBountyValidation(t *testing.T) {
	eng, _ := newEngine(t, ledger.DefaultConfig())
	ctx := context.Background()

	_, err := eng.PostBounty(ctx, "", "1", "base", "poster-p", "")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = eng.PostBounty(ctx, "paid but anonymous", "1", "base", "", "")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = eng.PostBounty(ctx, "negative", "-1", "base", "poster-p", "")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = eng.PostBounty(ctx, "no chain", "1", "  ", "poster-p", "")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	// Chain keys normalize to lowercase.
	posted, err := eng.PostBounty(ctx, "mixed case chain", "0", "Base", "", "")
	require.NoError(t, err)
	assert.Equal(t, "base", posted.Bounty.Chain)
}

func TestRatingOutOfRange(t *testing.T) {
	eng, _ := newEngine(t, ledger.DefaultConfig())
	posted := postAndClaim(t, eng)

	for _, rating := range []int{0, 6, -1} {
		_, err := eng.ResolveRating(context.Background(), posted.Token, rating)
		assert.ErrorIs(t, err, ledger.ErrInvalidInput, "rating %d", rating)
	}
}

// failingBalanceStore fails every balance upsert for one key once armed.
type failingBalanceStore struct {
	ledger.Store
	failKey string
}

func (s *failingBalanceStore) UpsertBalance(ctx context.Context, key, chain string, fn ledger.Mutation) (ledger.Balance, error) {
	if s.failKey != "" && key == s.failKey {
		return ledger.Balance{}, errors.New("connection reset by peer")
	}
	return s.Store.UpsertBalance(ctx, key, chain, fn)
}

func TestLatePenaltyStoreFailureSurfaces(t *testing.T) {
	mem := store.NewMemory()
	failing := &failingBalanceStore{Store: mem}
	eng := ledger.NewEngine(failing, ledger.DefaultConfig()).WithNow(func() time.Time { return t0 })
	ctx := context.Background()

	_, err := eng.Deposit(ctx, "poster-p", "base", "1", "")
	require.NoError(t, err)
	posted := postAndClaim(t, eng)

	eng.WithNow(func() time.Time { return t0.Add(26 * time.Hour) })
	failing.failKey = "poster-p"

	// The penalty write fails after the terminal rating commit; the caller
	// must see the failure, not a clean resolution.
	_, err = eng.ResolveRating(ctx, posted.Token, 5)
	require.Error(t, err)

	assertBalances(t, eng, "poster-p", "base", "1", "1", "0")
}

// withdrawingClaimStore debits the claimant right before the claim
// transaction, standing in for a withdrawal racing the claim.
type withdrawingClaimStore struct {
	ledger.Store
	key, chain string
	amount     decimal.Decimal
}

func (s *withdrawingClaimStore) CreateSubmissionAndClaim(ctx context.Context, sub ledger.Submission, key, chain string, fn ledger.Mutation) (ledger.Submission, error) {
	_, err := s.Store.UpsertBalance(ctx, s.key, s.chain, func(b ledger.Balance) (ledger.Balance, error) {
		b.Verified = b.Verified.Sub(s.amount)
		b.Total = b.Verified.Add(b.Pending)
		return b, nil
	})
	if err != nil {
		return ledger.Submission{}, err
	}
	return s.Store.CreateSubmissionAndClaim(ctx, sub, key, chain, fn)
}

func TestClaimGateHoldsAgainstConcurrentWithdrawal(t *testing.T) {
	mem := store.NewMemory()
	racing := &withdrawingClaimStore{
		Store: mem, key: "claimant-c", chain: "base",
		amount: decimal.RequireFromString("0.05"),
	}
	eng := ledger.NewEngine(racing, ledger.DefaultConfig()).WithNow(func() time.Time { return t0 })
	ctx := context.Background()

	_, err := eng.Deposit(ctx, "claimant-c", "base", "0.1", "")
	require.NoError(t, err)
	posted, err := eng.PostBounty(ctx, "race me", "3", "base", "poster-p", "")
	require.NoError(t, err)

	// The balance drops below the threshold after the engine reads the bounty
	// but before the claim commits; the gate evaluates against the live row.
	_, err = eng.SubmitClaim(ctx, posted.Bounty.ID, "done", "claimant-c")
	assert.ErrorIs(t, err, ledger.ErrInsufficientCollateral)

	b, sub, err := eng.GetBounty(ctx, posted.Bounty.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.BountyOpen, b.Status, "rejected claim leaves the bounty open")
	assert.Nil(t, sub)
	assertBalances(t, eng, "claimant-c", "base", "0.05", "0.05", "0")
}

type fakeVerifier struct {
	err    error
	calls  int
	chain  string
	txHash string
	amount decimal.Decimal
}

func (v *fakeVerifier) VerifyDeposit(ctx context.Context, chain, txHash string, amount decimal.Decimal) error {
	v.calls++
	v.chain, v.txHash, v.amount = chain, txHash, amount
	return v.err
}

func TestDepositVerifier(t *testing.T) {
	eng, _ := newEngine(t, ledger.DefaultConfig())
	verifier := &fakeVerifier{}
	eng.WithVerifier(verifier)
	ctx := context.Background()

	// Confirmed transfer credits verified funds.
	_, err := eng.Deposit(ctx, "agent-a", "Base", "1.5", "0xabc")
	require.NoError(t, err)
	assert.Equal(t, 1, verifier.calls)
	assert.Equal(t, "base", verifier.chain)
	assert.Equal(t, "0xabc", verifier.txHash)
	assert.True(t, verifier.amount.Equal(decimal.RequireFromString("1.5")))
	assertBalances(t, eng, "agent-a", "base", "1.5", "1.5", "0")

	// Without a tx hash the verifier is not consulted.
	_, err = eng.Deposit(ctx, "agent-a", "base", "0.5", "")
	require.NoError(t, err)
	assert.Equal(t, 1, verifier.calls)
	assertBalances(t, eng, "agent-a", "base", "2", "2", "0")

	// An unconfirmed transfer credits nothing.
	verifier.err = errors.New("tx not found")
	_, err = eng.Deposit(ctx, "agent-a", "base", "9", "0xbogus")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	assertBalances(t, eng, "agent-a", "base", "2", "2", "0")
}
