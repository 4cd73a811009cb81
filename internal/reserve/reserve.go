package reserve

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"execgate/internal/kv"
	"execgate/internal/model"
)

const (
	keyPrefix = "position_reservation:"

	// DefaultTokenTTL bounds how long a crashed caller can hold a token.
	// Expiry of the token does not reverse the aggregate; the reconciler
	// corrects that drift via SyncPosition.
	DefaultTokenTTL = 60 * time.Second
)

// Failure reasons returned in Result.Reason.
const (
	ReasonLimitExceeded = "LIMIT_EXCEEDED"
	ReasonTokenNotFound = "TOKEN_NOT_FOUND"
)

// Result reports the outcome of a ledger operation.
type Result struct {
	Success          bool
	Token            string
	Reason           string
	PreviousPosition int64
	NewPosition      int64
}

// reserveScript is the whole reserve protocol in one server-side unit: read
// the aggregate (fallback only when the key is entirely absent), check the
// limit, commit the new aggregate plus a TTL'd token. No other call on the
// same symbol can interleave. The aggregate is written without expiration:
// an expiring aggregate would silently reset the limit to zero.
const reserveScript = `
local current
local agg = redis.call('GET', KEYS[1])
if agg then
  current = tonumber(agg)
else
  current = tonumber(ARGV[2])
end
local delta = tonumber(ARGV[1])
local limit = tonumber(ARGV[3])
local new_position = current + delta
if math.abs(new_position) > limit then
  return {0, current, new_position}
end
redis.call('SET', KEYS[1], new_position)
redis.call('SET', KEYS[2], delta, 'EX', tonumber(ARGV[4]))
return {1, current, new_position}
`

// releaseScript reverses a live reservation. The token must still exist: an
// expired or already-consumed token is reported, never double-applied.
const releaseScript = `
local delta = redis.call('GET', KEYS[2])
if not delta then
  return {0, 0}
end
local position = redis.call('INCRBY', KEYS[1], -tonumber(delta))
redis.call('DEL', KEYS[2])
return {1, position}
`

// confirmScript consumes the token and leaves the aggregate in place: the
// reserved delta is now a real position until the next sync.
const confirmScript = `
local delta = redis.call('GET', KEYS[2])
if not delta then
  return 0
end
redis.call('DEL', KEYS[2])
return 1
`

// Ledger serializes racing position-limit checks per symbol. Each reservation
// is an atomic claim against the shared aggregate; concurrent reserves on one
// symbol observe strictly ordered pre-states.
type Ledger struct {
	store    kv.Store
	tokenTTL time.Duration
}

// NewLedger creates a ledger with the default token TTL.
func NewLedger(store kv.Store) *Ledger {
	return &Ledger{store: store, tokenTTL: DefaultTokenTTL}
}

// NewLedgerTTL creates a ledger with a custom token TTL.
func NewLedgerTTL(store kv.Store, tokenTTL time.Duration) *Ledger {
	if tokenTTL < time.Second {
		tokenTTL = time.Second
	}
	return &Ledger{store: store, tokenTTL: tokenTTL}
}

// Reserve atomically claims delta shares of position headroom on symbol.
// fallbackPosition seeds the aggregate only when its key is entirely absent,
// e.g. right after a fresh deployment. On success the returned token must
// later be confirmed or released by the caller.
func (l *Ledger) Reserve(ctx context.Context, symbol string, side model.Side, qty, maxLimit, fallbackPosition int64) (Result, error) {
	if !side.Valid() {
		return Result{}, fmt.Errorf("reserve: invalid side %q", side)
	}
	if qty <= 0 {
		return Result{}, fmt.Errorf("reserve: qty must be positive, got %d", qty)
	}

	delta := side.SignedQty(qty)
	token := uuid.NewString()
	ttlSeconds := int64(l.tokenTTL / time.Second)

	raw, err := l.store.Eval(ctx, reserveScript,
		[]string{aggregateKey(symbol), tokenKey(symbol, token)},
		delta, fallbackPosition, maxLimit, ttlSeconds,
	)
	if err != nil {
		return Result{}, errors.Wrap(err, "reserve script")
	}
	ok, prev, next, err := parseTriple(raw)
	if err != nil {
		return Result{}, err
	}

	if !ok {
		return Result{
			Reason:           ReasonLimitExceeded,
			PreviousPosition: prev,
			NewPosition:      next,
		}, nil
	}
	return Result{
		Success:          true,
		Token:            token,
		PreviousPosition: prev,
		NewPosition:      next,
	}, nil
}

// Release reverses the reservation held by token. Idempotent: a second
// release of the same token reports TOKEN_NOT_FOUND without touching the
// aggregate.
func (l *Ledger) Release(ctx context.Context, symbol, token string) (Result, error) {
	raw, err := l.store.Eval(ctx, releaseScript,
		[]string{aggregateKey(symbol), tokenKey(symbol, token)},
	)
	if err != nil {
		return Result{}, errors.Wrap(err, "release script")
	}
	vals, err := parseInts(raw, 2)
	if err != nil {
		return Result{}, err
	}
	if vals[0] == 0 {
		return Result{Reason: ReasonTokenNotFound}, nil
	}
	return Result{Success: true, NewPosition: vals[1]}, nil
}

// Confirm consumes the token after a successful broker submit, leaving the
// reserved delta in the aggregate as real position.
func (l *Ledger) Confirm(ctx context.Context, symbol, token string) (Result, error) {
	raw, err := l.store.Eval(ctx, confirmScript,
		[]string{aggregateKey(symbol), tokenKey(symbol, token)},
	)
	if err != nil {
		return Result{}, errors.Wrap(err, "confirm script")
	}
	ok, err := parseInt(raw)
	if err != nil {
		return Result{}, err
	}
	if ok == 0 {
		return Result{Reason: ReasonTokenNotFound}, nil
	}
	return Result{Success: true}, nil
}

// ReservedPosition reads the aggregate, 0 when absent.
func (l *Ledger) ReservedPosition(ctx context.Context, symbol string) (int64, error) {
	raw, found, err := l.store.Get(ctx, aggregateKey(symbol))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	position, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse aggregate position")
	}
	return position, nil
}

// SyncPosition overwrites the aggregate with broker-reported truth, without
// expiration. Used at startup and by the reconciler to correct drift from
// abandoned reservations.
func (l *Ledger) SyncPosition(ctx context.Context, symbol string, actualPosition int64) error {
	if err := l.store.Set(ctx, aggregateKey(symbol), strconv.FormatInt(actualPosition, 10), 0); err != nil {
		return err
	}
	logs.Infof("reserve: synced %s aggregate to %d", symbol, actualPosition)
	return nil
}

// ClearAll deletes the aggregate for symbol. Operator/reconciliation action.
func (l *Ledger) ClearAll(ctx context.Context, symbol string) error {
	_, err := l.store.Delete(ctx, aggregateKey(symbol))
	return err
}

func aggregateKey(symbol string) string {
	return keyPrefix + symbol
}

func tokenKey(symbol, token string) string {
	return keyPrefix + symbol + ":token:" + token
}

func parseTriple(raw any) (ok bool, prev, next int64, err error) {
	vals, err := parseInts(raw, 3)
	if err != nil {
		return false, 0, 0, err
	}
	return vals[0] == 1, vals[1], vals[2], nil
}

func parseInts(raw any, want int) ([]int64, error) {
	arr, isArr := raw.([]any)
	if !isArr || len(arr) < want {
		return nil, fmt.Errorf("reserve: unexpected script reply %v", raw)
	}
	vals := make([]int64, want)
	for i := 0; i < want; i++ {
		n, err := parseInt(arr[i])
		if err != nil {
			return nil, err
		}
		vals[i] = n
	}
	return vals, nil
}

func parseInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("reserve: unexpected script reply element %T", raw)
	}
}
