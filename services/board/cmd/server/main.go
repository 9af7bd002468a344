package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Clamepending/clawork/pkg/db"
	"github.com/Clamepending/clawork/services/board/internal/idempotency"
	"github.com/Clamepending/clawork/services/board/internal/ledger"
	"github.com/Clamepending/clawork/services/board/internal/store"
	"github.com/Clamepending/clawork/services/board/internal/sweep"
)

func main() {
	log := logrus.WithField("service", "board")

	cfg, err := configFromEnv()
	if err != nil {
		log.WithError(err).Fatal("bad configuration")
	}

	var (
		st   ledger.Store
		idem idempotency.Store
	)
	switch backend := envOr("STORE_BACKEND", "postgres"); backend {
	case "postgres":
		pool, err := db.Connect(context.Background(), os.Getenv("DATABASE_URL"))
		if err != nil {
			log.WithError(err).Fatal("database connect failed")
		}
		if err := db.Migrate(context.Background(), pool); err != nil {
			log.WithError(err).Fatal("database migrate failed")
		}
		pg := store.NewPG(pool)
		st, idem = pg, pg
	case "memory":
		mem := store.NewMemory()
		st, idem = mem, mem
	default:
		log.WithField("backend", backend).Fatal("unknown STORE_BACKEND")
	}

	engine := ledger.NewEngine(st, cfg)

	if raw := os.Getenv("SWEEP_INTERVAL"); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			log.WithError(err).Fatal("bad SWEEP_INTERVAL")
		}
		go sweep.NewRunner(engine, interval, log).Run(context.Background())
	}

	port := envOr("SERVICE_PORT", "8090")
	log.WithField("port", port).Info("board service listening")
	if err := http.ListenAndServe(":"+port, newRouter(engine, idem)); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func configFromEnv() (ledger.Config, error) {
	cfg := ledger.DefaultConfig()
	for _, f := range []struct {
		env string
		dst *decimal.Decimal
	}{
		{"COLLATERAL_AMOUNT", &cfg.CollateralAmount},
		{"COLLATERAL_MIN", &cfg.CollateralMin},
		{"PENALTY_AMOUNT", &cfg.PenaltyAmount},
	} {
		if raw := os.Getenv(f.env); raw != "" {
			d, err := decimal.NewFromString(raw)
			if err != nil {
				return ledger.Config{}, err
			}
			*f.dst = d
		}
	}
	if raw := os.Getenv("RATING_PAY_MIN"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return ledger.Config{}, err
		}
		cfg.PayoutThreshold = n
	}
	if raw := os.Getenv("RATING_WINDOW_HOURS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return ledger.Config{}, err
		}
		cfg.RatingWindow = time.Duration(n) * time.Hour
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
