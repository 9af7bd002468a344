package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Clamepending/clawork/pkg/boardsdk"
)

const usage = `usage: boardctl <command> [flags]

commands:
  post      post a bounty        --description --amount --chain [--poster] [--tx-hash] [--idempotency-key]
  list      list open bounties
  get       show one bounty      --id
  delete    delete an open bounty --token --poster
  claim     submit work          --id --response --claimant
  rate      rate a submission    --token --rating
  balance   show balances        --key --chain
  deposit   credit a balance     --key --chain --amount [--tx-hash] [--idempotency-key]
  withdraw  debit a balance      --key --chain --amount
  sweep     resolve expired unrated submissions`

func main() {
	if len(os.Args) < 2 {
		fail(usage)
	}

	client := boardsdk.New(envOr("BOARD_URL", "http://localhost:8090"))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "post":
		runPost(ctx, client, os.Args[2:])
	case "list":
		runList(ctx, client)
	case "get":
		runGet(ctx, client, os.Args[2:])
	case "delete":
		runDelete(ctx, client, os.Args[2:])
	case "claim":
		runClaim(ctx, client, os.Args[2:])
	case "rate":
		runRate(ctx, client, os.Args[2:])
	case "balance":
		runBalance(ctx, client, os.Args[2:])
	case "deposit":
		runDeposit(ctx, client, os.Args[2:])
	case "withdraw":
		runWithdraw(ctx, client, os.Args[2:])
	case "sweep":
		runSweep(ctx, client)
	default:
		fail(usage)
	}
}

func runPost(ctx context.Context, c *boardsdk.Client, args []string) {
	fs := flag.NewFlagSet("post", flag.ExitOnError)
	description := fs.String("description", "", "bounty description")
	amount := fs.String("amount", "0", "bounty amount (decimal, 0 = volunteer)")
	chain := fs.String("chain", "", "chain key")
	poster := fs.String("poster", "", "poster identity or wallet")
	txHash := fs.String("tx-hash", "", "funding transaction hash")
	idemKey := fs.String("idempotency-key", "", "replay key")
	_ = fs.Parse(args)

	out, err := c.PostBounty(ctx, boardsdk.PostBountyRequest{
		Description: *description,
		Amount:      *amount,
		Chain:       *chain,
		PosterKey:   *poster,
		TxHash:      *txHash,
	}, *idemKey)
	emit(out, err)
}

func runList(ctx context.Context, c *boardsdk.Client) {
	out, err := c.ListBounties(ctx)
	emit(out, err)
}

func runGet(ctx context.Context, c *boardsdk.Client, args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	id := fs.Int64("id", 0, "bounty id")
	_ = fs.Parse(args)

	out, err := c.GetBounty(ctx, *id)
	emit(out, err)
}

func runDelete(ctx context.Context, c *boardsdk.Client, args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	tok := fs.String("token", "", "private bounty token")
	poster := fs.String("poster", "", "poster identity or wallet")
	_ = fs.Parse(args)

	out, err := c.DeleteBounty(ctx, *tok, *poster)
	emit(out, err)
}

func runClaim(ctx context.Context, c *boardsdk.Client, args []string) {
	fs := flag.NewFlagSet("claim", flag.ExitOnError)
	id := fs.Int64("id", 0, "bounty id")
	response := fs.String("response", "", "submission text")
	claimant := fs.String("claimant", "", "claimant identity or wallet")
	_ = fs.Parse(args)

	out, err := c.SubmitClaim(ctx, *id, *response, *claimant)
	emit(out, err)
}

func runRate(ctx context.Context, c *boardsdk.Client, args []string) {
	fs := flag.NewFlagSet("rate", flag.ExitOnError)
	tok := fs.String("token", "", "private bounty token")
	rating := fs.Int("rating", 0, "rating 1..5")
	_ = fs.Parse(args)

	out, err := c.ResolveRating(ctx, *tok, *rating)
	emit(out, err)
}

func runBalance(ctx context.Context, c *boardsdk.Client, args []string) {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	key := fs.String("key", "", "identity or wallet")
	chain := fs.String("chain", "", "chain key")
	_ = fs.Parse(args)

	out, err := c.GetBalances(ctx, *key, *chain)
	emit(out, err)
}

func runDeposit(ctx context.Context, c *boardsdk.Client, args []string) {
	fs := flag.NewFlagSet("deposit", flag.ExitOnError)
	key := fs.String("key", "", "identity or wallet")
	chain := fs.String("chain", "", "chain key")
	amount := fs.String("amount", "", "decimal amount")
	txHash := fs.String("tx-hash", "", "settled transaction hash")
	idemKey := fs.String("idempotency-key", "", "replay key")
	_ = fs.Parse(args)

	out, err := c.Deposit(ctx, *key, *chain, *amount, *txHash, *idemKey)
	emit(out, err)
}

func runWithdraw(ctx context.Context, c *boardsdk.Client, args []string) {
	fs := flag.NewFlagSet("withdraw", flag.ExitOnError)
	key := fs.String("key", "", "identity or wallet")
	chain := fs.String("chain", "", "chain key")
	amount := fs.String("amount", "", "decimal amount")
	_ = fs.Parse(args)

	out, err := c.Withdraw(ctx, *key, *chain, *amount)
	emit(out, err)
}

func runSweep(ctx context.Context, c *boardsdk.Client) {
	out, err := c.Sweep(ctx)
	emit(out, err)
}

func emit(out any, err error) {
	if err != nil {
		fail(err.Error())
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
