package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Error codes the HTTP layer maps to status codes. Storage failures are
// returned unwrapped alongside these; nothing is retried internally.
var (
	ErrInvalidInput           = errors.New("INVALID_INPUT")
	ErrNotFound               = errors.New("NOT_FOUND")
	ErrUnauthorized           = errors.New("UNAUTHORIZED")
	ErrInvalidState           = errors.New("INVALID_STATE")
	ErrInsufficientCollateral = errors.New("INSUFFICIENT_COLLATERAL")
	ErrInsufficientBalance    = errors.New("INSUFFICIENT_BALANCE")
	ErrInsufficientFunds      = errors.New("INSUFFICIENT_FUNDS")
)

// ErrAlreadyRated is the single-fire guard on rating resolution.
var ErrAlreadyRated = fmt.Errorf("submission already rated: %w", ErrInvalidState)

// Balance is one ledger row per (key, chain). Total == Verified + Pending
// holds after every mutation and no field is ever negative.
type Balance struct {
	Key      string          `json:"key"`
	Chain    string          `json:"chain"`
	Total    decimal.Decimal `json:"total"`
	Verified decimal.Decimal `json:"verified"`
	Pending  decimal.Decimal `json:"pending"`
}

type BountyStatus string

const (
	BountyOpen    BountyStatus = "open"
	BountyClaimed BountyStatus = "claimed"
)

type Bounty struct {
	ID          int64
	TokenHash   string
	Description string
	Amount      decimal.Decimal
	Chain       string
	PosterKey   string
	Status      BountyStatus
	CreatedAt   time.Time
}

// Paid reports whether the bounty escrows funds. Zero-amount bounties are
// volunteer tasks: no payment row, no claim preconditions.
func (b Bounty) Paid() bool { return b.Amount.IsPositive() }

type Payment struct {
	BountyID           int64
	JobAmount          decimal.Decimal
	CollateralAmount   decimal.Decimal
	TxHash             string
	CollateralReturned bool
	ReturnedAt         *time.Time
}

type Submission struct {
	ID             int64
	BountyID       int64
	Response       string
	ClaimantKey    string
	Rating         *int // nil = awaiting, 0 = auto-resolved by the sweep
	RatingDeadline time.Time
	CreatedAt      time.Time
}

// Mutation is applied to the current (or zero-initialized) balance row under
// the store's per-key serialization. Returning an error aborts without a
// write.
type Mutation func(Balance) (Balance, error)

// Store is the persistence contract. Two backends exist, chosen once at
// startup: Postgres and in-memory. The composite methods commit as a single
// transaction so no partial state is observable after a crash.
type Store interface {
	GetBalance(ctx context.Context, key, chain string) (Balance, bool, error)
	UpsertBalance(ctx context.Context, key, chain string, fn Mutation) (Balance, error)

	CreateBounty(ctx context.Context, b Bounty, p *Payment) (Bounty, error)
	BountyByID(ctx context.Context, id int64) (Bounty, error)
	BountyByTokenHash(ctx context.Context, tokenHash string) (Bounty, error)
	ListOpenBounties(ctx context.Context) ([]Bounty, error)
	PaymentByBounty(ctx context.Context, bountyID int64) (Payment, bool, error)

	// DeleteOpenBounty removes an open bounty and its payment, crediting any
	// unreturned collateral to the poster in the same transaction. Fails with
	// ErrInvalidState once the bounty is claimed.
	DeleteOpenBounty(ctx context.Context, id int64) (collateralReturned bool, err error)

	// CreateSubmissionAndClaim flips the bounty open->claimed, inserts the
	// submission and applies the claimant's balance mutation atomically.
	CreateSubmissionAndClaim(ctx context.Context, sub Submission, key, chain string, fn Mutation) (Submission, error)
	SubmissionByBounty(ctx context.Context, bountyID int64) (Submission, bool, error)

	// ResolveSubmission sets the rating (only while still NULL, else
	// ErrAlreadyRated) and applies the claimant's balance mutation in one
	// transaction. The rating write is terminal.
	ResolveSubmission(ctx context.Context, submissionID int64, rating int, key, chain string, fn Mutation) (Balance, error)
	ListExpiredUnrated(ctx context.Context, now time.Time) ([]Submission, error)

	// ReturnCollateral flips collateral_returned and credits the poster in one
	// transaction. The flag flip is the commit point: at most one caller ever
	// observes true. Absent payment or already-returned is a false no-op.
	ReturnCollateral(ctx context.Context, bountyID int64) (bool, error)
}

// DepositVerifier is the on-chain collaborator: it confirms that a recorded
// transfer actually happened before the ledger credits it. The ledger itself
// never talks to a chain.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, chain, txHash string, amount decimal.Decimal) error
}
