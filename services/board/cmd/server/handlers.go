package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Clamepending/clawork/pkg/httpx"
	"github.com/Clamepending/clawork/services/board/internal/idempotency"
	"github.com/Clamepending/clawork/services/board/internal/ledger"
)

func newRouter(engine *ledger.Engine, idem idempotency.Store) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/board", func(api chi.Router) {

		api.Post("/bounties", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Description string `json:"description"`
				Amount      string `json:"amount"`
				Chain       string `json:"chain"`
				PosterKey   string `json:"poster_key"`
				TxHash      string `json:"tx_hash"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			caller := idempotency.Caller{Key: req.PosterKey, IdempotencyKey: r.Header.Get("Idempotency-Key")}
			if status, body, replayed, err := idempotency.Replay(r.Context(), idem, caller, "POST /board/bounties"); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			} else if replayed {
				httpx.WriteJSON(w, status, body)
				return
			}

			posted, err := engine.PostBounty(r.Context(), req.Description, orZero(req.Amount), req.Chain, req.PosterKey, req.TxHash)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			resp := map[string]any{
				"request_id":    httpx.NewRequestID(),
				"bounty_id":     posted.Bounty.ID,
				"private_token": posted.Token,
				"created_at":    posted.Bounty.CreatedAt,
			}
			if err := idempotency.Save(r.Context(), idem, caller, "POST /board/bounties", 201, resp); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 201, resp)
		})

		api.Get("/bounties", func(w http.ResponseWriter, r *http.Request) {
			bounties, err := engine.ListOpenBounties(r.Context())
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			out := make([]map[string]any, 0, len(bounties))
			for _, b := range bounties {
				out = append(out, publicBounty(b))
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "bounties": out})
		})

		api.Get("/bounties/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
			if err != nil {
				httpx.WriteError(w, 400, "INVALID_INPUT", "bad bounty id", nil)
				return
			}
			b, sub, err := engine.GetBounty(r.Context(), id)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			resp := map[string]any{"request_id": httpx.NewRequestID(), "bounty": publicBounty(b)}
			if sub != nil {
				resp["submission"] = map[string]any{
					"submission_id":   sub.ID,
					"rating":          sub.Rating,
					"rating_deadline": sub.RatingDeadline,
					"created_at":      sub.CreatedAt,
				}
			}
			httpx.WriteJSON(w, 200, resp)
		})

		api.Delete("/bounties/token/{token}", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				PosterKey string `json:"poster_key"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			returned, err := engine.DeleteBounty(r.Context(), chi.URLParam(r, "token"), req.PosterKey)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":          httpx.NewRequestID(),
				"success":             true,
				"collateral_returned": returned,
			})
		})

		api.Post("/bounties/{id}/claims", func(w http.ResponseWriter, r *http.Request) {
			id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
			if err != nil {
				httpx.WriteError(w, 400, "INVALID_INPUT", "bad bounty id", nil)
				return
			}
			var req struct {
				Response    string `json:"response"`
				ClaimantKey string `json:"claimant_key"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			sub, err := engine.SubmitClaim(r.Context(), id, req.Response, req.ClaimantKey)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{
				"request_id":      httpx.NewRequestID(),
				"submission_id":   sub.ID,
				"created_at":      sub.CreatedAt,
				"rating_deadline": sub.RatingDeadline,
			})
		})

		api.Post("/bounties/token/{token}/rating", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Rating int `json:"rating"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			res, err := engine.ResolveRating(r.Context(), chi.URLParam(r, "token"), req.Rating)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id":     httpx.NewRequestID(),
				"rating":         res.Rating,
				"paid":           res.Paid,
				"is_late":        res.IsLate,
				"hours_late":     res.HoursLate,
				"agent_balances": res.ClaimantBalances,
			})
		})

		api.Post("/admin/sweep", func(w http.ResponseWriter, r *http.Request) {
			n, err := engine.SweepLateRatings(r.Context())
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "resolved": n})
		})

		api.Get("/balances", func(w http.ResponseWriter, r *http.Request) {
			var q struct {
				Key   string `schema:"key"`
				Chain string `schema:"chain"`
			}
			if err := httpx.DecodeQuery(&q, r.URL.Query()); err != nil {
				httpx.WriteError(w, 400, "INVALID_INPUT", err.Error(), nil)
				return
			}
			bal, err := engine.GetBalances(r.Context(), q.Key, q.Chain)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "balances": bal})
		})

		api.Post("/deposits", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Key    string `json:"key"`
				Chain  string `json:"chain"`
				Amount string `json:"amount"`
				TxHash string `json:"tx_hash"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			caller := idempotency.Caller{Key: req.Key, IdempotencyKey: r.Header.Get("Idempotency-Key")}
			if status, body, replayed, err := idempotency.Replay(r.Context(), idem, caller, "POST /board/deposits"); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			} else if replayed {
				httpx.WriteJSON(w, status, body)
				return
			}
			bal, err := engine.Deposit(r.Context(), req.Key, req.Chain, req.Amount, req.TxHash)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			resp := map[string]any{"request_id": httpx.NewRequestID(), "balances": bal}
			if err := idempotency.Save(r.Context(), idem, caller, "POST /board/deposits", 200, resp); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 200, resp)
		})

		api.Post("/withdrawals", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Key    string `json:"key"`
				Chain  string `json:"chain"`
				Amount string `json:"amount"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			bal, err := engine.Withdraw(r.Context(), req.Key, req.Chain, req.Amount)
			if err != nil {
				writeLedgerError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "balances": bal})
		})
	})

	return r
}

// publicBounty is the view safe to show anyone: never the token hash, never
// the poster key.
func publicBounty(b ledger.Bounty) map[string]any {
	return map[string]any{
		"bounty_id":   b.ID,
		"description": b.Description,
		"amount":      b.Amount.String(),
		"chain":       b.Chain,
		"status":      string(b.Status),
		"created_at":  b.CreatedAt,
	}
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		httpx.WriteError(w, 400, "INVALID_INPUT", err.Error(), nil)
	case errors.Is(err, ledger.ErrUnauthorized):
		httpx.WriteError(w, 401, "UNAUTHORIZED", "poster key does not match", nil)
	case errors.Is(err, ledger.ErrNotFound):
		httpx.WriteError(w, 404, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, ledger.ErrAlreadyRated):
		httpx.WriteError(w, 409, "ALREADY_RATED", err.Error(), nil)
	case errors.Is(err, ledger.ErrInvalidState):
		httpx.WriteError(w, 409, "INVALID_STATE", err.Error(), nil)
	case errors.Is(err, ledger.ErrInsufficientCollateral):
		httpx.WriteError(w, 422, "INSUFFICIENT_COLLATERAL", "claimant balance below collateral threshold", nil)
	case errors.Is(err, ledger.ErrInsufficientBalance):
		httpx.WriteError(w, 422, "INSUFFICIENT_BALANCE", "claimant balance cannot cover worst-case penalty", nil)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		httpx.WriteError(w, 422, "INSUFFICIENT_FUNDS", "withdrawal exceeds verified balance", nil)
	default:
		httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
	}
}

func orZero(amount string) string {
	if strings.TrimSpace(amount) == "" {
		return "0"
	}
	return amount
}
