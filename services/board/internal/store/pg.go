package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Clamepending/clawork/services/board/internal/ledger"
)

// PG is the Postgres backend. Every balance write runs as
// insert-if-absent + SELECT ... FOR UPDATE + UPDATE inside one transaction,
// so concurrent mutations of the same (key, chain) row serialize on the row
// lock and no update is lost.
type PG struct{ DB *pgxpool.Pool }

func NewPG(db *pgxpool.Pool) *PG { return &PG{DB: db} }

func (s *PG) GetBalance(ctx context.Context, key, chain string) (ledger.Balance, bool, error) {
	bal := ledger.Balance{Key: key, Chain: chain}
	var total, verified, pending string
	err := s.DB.QueryRow(ctx,
		`SELECT total::text, verified::text, pending::text FROM balances WHERE balance_key=$1 AND chain=$2`,
		key, chain).Scan(&total, &verified, &pending)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, false, nil
	}
	if err != nil {
		return ledger.Balance{}, false, err
	}
	if err := setAmounts(&bal, total, verified, pending); err != nil {
		return ledger.Balance{}, false, err
	}
	return bal, true, nil
}

func (s *PG) UpsertBalance(ctx context.Context, key, chain string, fn ledger.Mutation) (ledger.Balance, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return ledger.Balance{}, err
	}
	defer tx.Rollback(ctx)

	bal, err := upsertBalanceTx(ctx, tx, key, chain, fn)
	if err != nil {
		return ledger.Balance{}, err
	}
	return bal, tx.Commit(ctx)
}

// upsertBalanceTx is the shared read-modify-write primitive: create the row
// if absent, lock it, apply fn, write the result. Callers own the transaction.
func upsertBalanceTx(ctx context.Context, tx pgx.Tx, key, chain string, fn ledger.Mutation) (ledger.Balance, error) {
	_, err := tx.Exec(ctx,
		`INSERT INTO balances(balance_key, chain) VALUES($1,$2) ON CONFLICT (balance_key, chain) DO NOTHING`,
		key, chain)
	if err != nil {
		return ledger.Balance{}, err
	}

	cur := ledger.Balance{Key: key, Chain: chain}
	var total, verified, pending string
	err = tx.QueryRow(ctx,
		`SELECT total::text, verified::text, pending::text FROM balances WHERE balance_key=$1 AND chain=$2 FOR UPDATE`,
		key, chain).Scan(&total, &verified, &pending)
	if err != nil {
		return ledger.Balance{}, err
	}
	if err := setAmounts(&cur, total, verified, pending); err != nil {
		return ledger.Balance{}, err
	}

	next, err := fn(cur)
	if err != nil {
		return ledger.Balance{}, err
	}
	next.Key, next.Chain = key, chain

	_, err = tx.Exec(ctx,
		`UPDATE balances SET total=$3, verified=$4, pending=$5, updated_at=now() WHERE balance_key=$1 AND chain=$2`,
		key, chain, next.Total.String(), next.Verified.String(), next.Pending.String())
	if err != nil {
		return ledger.Balance{}, err
	}
	return next, nil
}

func (s *PG) CreateBounty(ctx context.Context, b ledger.Bounty, p *ledger.Payment) (ledger.Bounty, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return ledger.Bounty{}, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO bounties(token_hash, description, amount, chain, poster_key, status, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		b.TokenHash, b.Description, b.Amount.String(), b.Chain, b.PosterKey, string(b.Status), b.CreatedAt).
		Scan(&b.ID)
	if err != nil {
		return ledger.Bounty{}, err
	}
	if p != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO poster_payments(bounty_id, job_amount, collateral_amount, tx_hash)
			 VALUES($1,$2,$3,$4)`,
			b.ID, p.JobAmount.String(), p.CollateralAmount.String(), p.TxHash)
		if err != nil {
			return ledger.Bounty{}, err
		}
	}
	return b, tx.Commit(ctx)
}

const bountyCols = `id, token_hash, description, amount::text, chain, poster_key, status, created_at`

func scanBounty(row pgx.Row) (ledger.Bounty, error) {
	var b ledger.Bounty
	var amount, status string
	err := row.Scan(&b.ID, &b.TokenHash, &b.Description, &amount, &b.Chain, &b.PosterKey, &status, &b.CreatedAt)
	if err != nil {
		return ledger.Bounty{}, err
	}
	b.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return ledger.Bounty{}, err
	}
	b.Status = ledger.BountyStatus(status)
	return b, nil
}

func (s *PG) BountyByID(ctx context.Context, id int64) (ledger.Bounty, error) {
	b, err := scanBounty(s.DB.QueryRow(ctx, `SELECT `+bountyCols+` FROM bounties WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Bounty{}, fmt.Errorf("bounty %d: %w", id, ledger.ErrNotFound)
	}
	return b, err
}

func (s *PG) BountyByTokenHash(ctx context.Context, tokenHash string) (ledger.Bounty, error) {
	b, err := scanBounty(s.DB.QueryRow(ctx, `SELECT `+bountyCols+` FROM bounties WHERE token_hash=$1`, tokenHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Bounty{}, fmt.Errorf("bounty token: %w", ledger.ErrNotFound)
	}
	return b, err
}

func (s *PG) ListOpenBounties(ctx context.Context) ([]ledger.Bounty, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+bountyCols+` FROM bounties WHERE status='open' ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Bounty, 0)
	for rows.Next() {
		b, err := scanBounty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PG) PaymentByBounty(ctx context.Context, bountyID int64) (ledger.Payment, bool, error) {
	p := ledger.Payment{BountyID: bountyID}
	var job, collateral string
	err := s.DB.QueryRow(ctx,
		`SELECT job_amount::text, collateral_amount::text, tx_hash, collateral_returned, returned_at
		 FROM poster_payments WHERE bounty_id=$1`, bountyID).
		Scan(&job, &collateral, &p.TxHash, &p.CollateralReturned, &p.ReturnedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Payment{}, false, nil
	}
	if err != nil {
		return ledger.Payment{}, false, err
	}
	if p.JobAmount, err = decimal.NewFromString(job); err != nil {
		return ledger.Payment{}, false, err
	}
	if p.CollateralAmount, err = decimal.NewFromString(collateral); err != nil {
		return ledger.Payment{}, false, err
	}
	return p, true, nil
}

func (s *PG) DeleteOpenBounty(ctx context.Context, id int64) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var status, posterKey, chain string
	err = tx.QueryRow(ctx,
		`SELECT status, poster_key, chain FROM bounties WHERE id=$1 FOR UPDATE`, id).
		Scan(&status, &posterKey, &chain)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("bounty %d: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return false, err
	}
	if ledger.BountyStatus(status) != ledger.BountyOpen {
		return false, fmt.Errorf("bounty already claimed: %w", ledger.ErrInvalidState)
	}

	returned := false
	var collateral string
	err = tx.QueryRow(ctx,
		`SELECT collateral_amount::text FROM poster_payments
		 WHERE bounty_id=$1 AND collateral_returned=false FOR UPDATE`, id).
		Scan(&collateral)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// free bounty, or collateral already returned
	case err != nil:
		return false, err
	default:
		amount, err := decimal.NewFromString(collateral)
		if err != nil {
			return false, err
		}
		if _, err := upsertBalanceTx(ctx, tx, posterKey, chain, ledger.CreditVerified(amount)); err != nil {
			return false, err
		}
		returned = true
	}

	// cascades to poster_payments
	if _, err := tx.Exec(ctx, `DELETE FROM bounties WHERE id=$1`, id); err != nil {
		return false, err
	}
	return returned, tx.Commit(ctx)
}

func (s *PG) CreateSubmissionAndClaim(ctx context.Context, sub ledger.Submission, key, chain string, fn ledger.Mutation) (ledger.Submission, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return ledger.Submission{}, err
	}
	defer tx.Rollback(ctx)

	// The status flip doubles as the claim lock: a second claim sees zero rows.
	tag, err := tx.Exec(ctx,
		`UPDATE bounties SET status='claimed' WHERE id=$1 AND status='open'`, sub.BountyID)
	if err != nil {
		return ledger.Submission{}, err
	}
	if tag.RowsAffected() == 0 {
		return ledger.Submission{}, fmt.Errorf("bounty is not open: %w", ledger.ErrInvalidState)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO submissions(bounty_id, response, claimant_key, rating_deadline, created_at)
		 VALUES($1,$2,$3,$4,$5) RETURNING id`,
		sub.BountyID, sub.Response, sub.ClaimantKey, sub.RatingDeadline, sub.CreatedAt).
		Scan(&sub.ID)
	if err != nil {
		return ledger.Submission{}, err
	}

	if _, err := upsertBalanceTx(ctx, tx, key, chain, fn); err != nil {
		return ledger.Submission{}, err
	}
	return sub, tx.Commit(ctx)
}

const submissionCols = `id, bounty_id, response, claimant_key, rating, rating_deadline, created_at`

func scanSubmission(row pgx.Row) (ledger.Submission, error) {
	var sub ledger.Submission
	err := row.Scan(&sub.ID, &sub.BountyID, &sub.Response, &sub.ClaimantKey, &sub.Rating, &sub.RatingDeadline, &sub.CreatedAt)
	return sub, err
}

func (s *PG) SubmissionByBounty(ctx context.Context, bountyID int64) (ledger.Submission, bool, error) {
	sub, err := scanSubmission(s.DB.QueryRow(ctx,
		`SELECT `+submissionCols+` FROM submissions WHERE bounty_id=$1`, bountyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Submission{}, false, nil
	}
	if err != nil {
		return ledger.Submission{}, false, err
	}
	return sub, true, nil
}

func (s *PG) ResolveSubmission(ctx context.Context, submissionID int64, rating int, key, chain string, fn ledger.Mutation) (ledger.Balance, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return ledger.Balance{}, err
	}
	defer tx.Rollback(ctx)

	// Terminal write: only fires while rating is still NULL.
	tag, err := tx.Exec(ctx,
		`UPDATE submissions SET rating=$2 WHERE id=$1 AND rating IS NULL`, submissionID, rating)
	if err != nil {
		return ledger.Balance{}, err
	}
	if tag.RowsAffected() == 0 {
		return ledger.Balance{}, ledger.ErrAlreadyRated
	}

	bal, err := upsertBalanceTx(ctx, tx, key, chain, fn)
	if err != nil {
		return ledger.Balance{}, err
	}
	return bal, tx.Commit(ctx)
}

func (s *PG) ListExpiredUnrated(ctx context.Context, now time.Time) ([]ledger.Submission, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT `+submissionCols+` FROM submissions WHERE rating IS NULL AND rating_deadline < $1 ORDER BY id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *PG) ReturnCollateral(ctx context.Context, bountyID int64) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	// The flag flip is the commit point; concurrent callers serialize on the
	// row and the loser matches zero rows.
	var collateral string
	err = tx.QueryRow(ctx,
		`UPDATE poster_payments SET collateral_returned=true, returned_at=now()
		 WHERE bounty_id=$1 AND collateral_returned=false
		 RETURNING collateral_amount::text`, bountyID).
		Scan(&collateral)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	amount, err := decimal.NewFromString(collateral)
	if err != nil {
		return false, err
	}

	var posterKey, chain string
	if err := tx.QueryRow(ctx, `SELECT poster_key, chain FROM bounties WHERE id=$1`, bountyID).Scan(&posterKey, &chain); err != nil {
		return false, err
	}
	if _, err := upsertBalanceTx(ctx, tx, posterKey, chain, ledger.CreditVerified(amount)); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *PG) GetIdempotencyRecord(ctx context.Context, callerKey, idemKey, endpoint string) (int, map[string]any, bool, error) {
	var status int
	var body map[string]any
	err := s.DB.QueryRow(ctx,
		`SELECT response_status, response_body FROM idempotency_keys
		 WHERE caller_key=$1 AND idem_key=$2 AND endpoint=$3`,
		callerKey, idemKey, endpoint).Scan(&status, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	return status, body, true, nil
}

func (s *PG) SaveIdempotencyRecord(ctx context.Context, callerKey, idemKey, endpoint string, responseStatus int, responseBody map[string]any) error {
	_, err := s.DB.Exec(ctx,
		`INSERT INTO idempotency_keys(caller_key, idem_key, endpoint, response_status, response_body)
		 VALUES($1,$2,$3,$4,$5)
		 ON CONFLICT (caller_key, idem_key, endpoint) DO NOTHING`,
		callerKey, idemKey, endpoint, responseStatus, responseBody)
	return err
}

func setAmounts(bal *ledger.Balance, total, verified, pending string) error {
	var err error
	if bal.Total, err = decimal.NewFromString(total); err != nil {
		return err
	}
	if bal.Verified, err = decimal.NewFromString(verified); err != nil {
		return err
	}
	bal.Pending, err = decimal.NewFromString(pending)
	return err
}
