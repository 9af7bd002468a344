package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Clamepending/clawork/pkg/db"
	"github.com/Clamepending/clawork/services/board/internal/ledger"
)

func pgForTest(t *testing.T) *PG {
	t.Helper()
	if os.Getenv("BOARD_INTEGRATION") != "1" {
		t.Skip("set BOARD_INTEGRATION=1 to run live integration")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewPG(pool)
}

func TestPGBalanceRoundTrip(t *testing.T) {
	pg := pgForTest(t)
	ctx := context.Background()
	key := "itest-" + time.Now().UTC().Format("150405.000000")

	if _, ok, err := pg.GetBalance(ctx, key, "base"); err != nil || ok {
		t.Fatalf("expected absent row, ok=%v err=%v", ok, err)
	}

	bal, err := pg.UpsertBalance(ctx, key, "base", ledger.CreditVerified(decimal.RequireFromString("1.5")))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !bal.Verified.Equal(decimal.RequireFromString("1.5")) || !bal.Total.Equal(bal.Verified) {
		t.Fatalf("unexpected balance: %+v", bal)
	}

	bal, ok, err := pg.GetBalance(ctx, key, "base")
	if err != nil || !ok {
		t.Fatalf("get after upsert: ok=%v err=%v", ok, err)
	}
	if !bal.Total.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("read back total = %s", bal.Total)
	}
}

func TestPGBountyLifecycle(t *testing.T) {
	pg := pgForTest(t)
	ctx := context.Background()
	eng := ledger.NewEngine(pg, ledger.DefaultConfig())

	suffix := time.Now().UTC().Format("150405.000000")
	claimant := "itest-claimant-" + suffix
	poster := "itest-poster-" + suffix

	if _, err := eng.Deposit(ctx, claimant, "base", "0.2", ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	posted, err := eng.PostBounty(ctx, "integration bounty", "5", "base", poster, "")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := eng.SubmitClaim(ctx, posted.Bounty.ID, "work", claimant); err != nil {
		t.Fatalf("claim: %v", err)
	}
	res, err := eng.ResolveRating(ctx, posted.Token, 5)
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if !res.Paid {
		t.Fatalf("expected payout")
	}
	bal, err := eng.GetBalances(ctx, claimant, "base")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if !bal.Verified.Equal(decimal.RequireFromString("5.2")) {
		t.Fatalf("claimant verified = %s, want 5.2", bal.Verified)
	}

	if returned, err := eng.ReturnCollateral(ctx, posted.Bounty.ID); err != nil || returned {
		t.Fatalf("collateral should already be returned, got returned=%v err=%v", returned, err)
	}
}
