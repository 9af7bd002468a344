package idempotency

import "context"

// Caller identifies who is replaying: the poster or depositor key plus the
// client-chosen Idempotency-Key header value.
type Caller struct {
	Key            string
	IdempotencyKey string
}

type Store interface {
	GetIdempotencyRecord(ctx context.Context, callerKey, idemKey, endpoint string) (int, map[string]any, bool, error)
	SaveIdempotencyRecord(ctx context.Context, callerKey, idemKey, endpoint string, responseStatus int, responseBody map[string]any) error
}

// Replay returns the recorded response for this caller/endpoint pair, if one
// exists. No key means no replay semantics.
func Replay(ctx context.Context, st Store, caller Caller, endpoint string) (int, map[string]any, bool, error) {
	if caller.IdempotencyKey == "" {
		return 0, nil, false, nil
	}
	status, body, found, err := st.GetIdempotencyRecord(ctx, caller.Key, caller.IdempotencyKey, endpoint)
	if err != nil {
		return 0, nil, false, err
	}
	if !found {
		return 0, nil, false, nil
	}
	return status, body, true, nil
}

func Save(ctx context.Context, st Store, caller Caller, endpoint string, status int, response map[string]any) error {
	if caller.IdempotencyKey == "" {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, caller.Key, caller.IdempotencyKey, endpoint, status, response)
}
