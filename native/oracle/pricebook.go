package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"usq/native/cdp"
	"usq/observability"
)

// MaxOverride bounds how long a manual override may keep a price trusted.
const MaxOverride = time.Hour

var (
	ErrNoPrice          = errors.New("oracle: no price recorded")
	ErrInvalidPrice     = errors.New("oracle: price must be positive")
	ErrStalePrice       = errors.New("oracle: price is stale")
	ErrDeviation        = errors.New("oracle: price deviates beyond threshold")
	ErrOutdatedQuote    = errors.New("oracle: quote older than recorded price")
	ErrOverrideTooLong  = errors.New("oracle: override exceeds maximum duration")
	ErrFeedUnavailable  = errors.New("oracle: no feed configured")
	ErrPriceOverflow    = errors.New("oracle: value overflow")
	errUnconfiguredBook = errors.New("oracle: price book not configured")
)

var precision = uint256.NewInt(1_000_000_000_000_000_000)

// Quote is a USD price for one whole unit of a token, scaled by 1e18.
type Quote struct {
	Price     *uint256.Int
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote.
func (q Quote) Clone() Quote {
	clone := Quote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Price != nil {
		clone.Price = new(uint256.Int).Set(q.Price)
	}
	return clone
}

// Feed fetches a current quote from an upstream source.
type Feed interface {
	Fetch(ctx context.Context, token common.Address) (Quote, error)
}

// FeedFunc adapts a function to the Feed interface.
type FeedFunc func(ctx context.Context, token common.Address) (Quote, error)

func (f FeedFunc) Fetch(ctx context.Context, token common.Address) (Quote, error) {
	return f(ctx, token)
}

// PriceBook keeps the last accepted quote per token. Quotes are pushed by
// feeders through Update or pulled from an optional Feed on forced reads.
type PriceBook struct {
	mu              sync.RWMutex
	quotes          map[common.Address]Quote
	overrides       map[common.Address]time.Time
	maxAge          time.Duration
	maxDeviationBps uint64
	feed            Feed
	now             func() time.Time
	metrics         *observability.OracleMetrics
}

var _ cdp.Oracle = (*PriceBook)(nil)

// NewPriceBook constructs a price book treating quotes older than maxAge as
// stale. A maxDeviationBps of zero disables the deviation guard.
func NewPriceBook(maxAge time.Duration, maxDeviationBps uint64) *PriceBook {
	return &PriceBook{
		quotes:          make(map[common.Address]Quote),
		overrides:       make(map[common.Address]time.Time),
		maxAge:          maxAge,
		maxDeviationBps: maxDeviationBps,
		now:             time.Now,
		metrics:         observability.Oracle(),
	}
}

// SetFeed configures the upstream consulted on forced-fresh reads.
func (b *PriceBook) SetFeed(feed Feed) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.feed = feed
	b.mu.Unlock()
}

// SetClock overrides the time source.
func (b *PriceBook) SetClock(now func() time.Time) {
	if b == nil || now == nil {
		return
	}
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// SetMaxAge updates the freshness window.
func (b *PriceBook) SetMaxAge(maxAge time.Duration) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.maxAge = maxAge
	b.mu.Unlock()
}

// Update records a quote after the ordering and deviation guards. A quote
// deviating beyond the threshold is rejected unless an override is active for
// the token.
func (b *PriceBook) Update(token common.Address, quote Quote) error {
	if b == nil {
		return errUnconfiguredBook
	}
	label := strings.ToLower(token.Hex())
	if quote.Price == nil || quote.Price.IsZero() {
		b.metrics.RecordUpdate(label, "invalid")
		return ErrInvalidPrice
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if quote.Timestamp.IsZero() {
		quote.Timestamp = b.now()
	}
	prev, ok := b.quotes[token]
	if ok {
		if quote.Timestamp.Before(prev.Timestamp) {
			b.metrics.RecordUpdate(label, "outdated")
			return ErrOutdatedQuote
		}
		if b.maxDeviationBps > 0 && !b.overriddenLocked(token) && deviates(quote.Price, prev.Price, b.maxDeviationBps) {
			b.metrics.RecordUpdate(label, "deviant")
			return fmt.Errorf("%w: %s -> %s", ErrDeviation, prev.Price.Dec(), quote.Price.Dec())
		}
	}
	b.quotes[token] = quote.Clone()
	b.metrics.RecordUpdate(label, "accepted")
	return nil
}

// Quote returns the last accepted quote.
func (b *PriceBook) Quote(token common.Address) (Quote, bool) {
	if b == nil {
		return Quote{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	quote, ok := b.quotes[token]
	if !ok {
		return Quote{}, false
	}
	return quote.Clone(), true
}

// Override keeps the token's last price trusted until the deadline, which may
// not lie more than MaxOverride ahead.
func (b *PriceBook) Override(token common.Address, until time.Time) error {
	if b == nil {
		return errUnconfiguredBook
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if !until.After(now) {
		return fmt.Errorf("oracle: override deadline %s is not in the future", until.UTC().Format(time.RFC3339))
	}
	if until.Sub(now) > MaxOverride {
		return fmt.Errorf("%w: %s", ErrOverrideTooLong, until.Sub(now))
	}
	if _, ok := b.quotes[token]; !ok {
		return ErrNoPrice
	}
	b.overrides[token] = until
	b.metrics.RecordOverride(strings.ToLower(token.Hex()))
	return nil
}

// ClearOverride removes any override for token.
func (b *PriceBook) ClearOverride(token common.Address) {
	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.overrides, token)
	b.mu.Unlock()
}

func (b *PriceBook) overriddenLocked(token common.Address) bool {
	until, ok := b.overrides[token]
	return ok && b.now().Before(until)
}

func (b *PriceBook) staleLocked(token common.Address) bool {
	quote, ok := b.quotes[token]
	if !ok {
		return true
	}
	if b.overriddenLocked(token) {
		return false
	}
	age := b.now().Sub(quote.Timestamp)
	b.metrics.RecordAge(strings.ToLower(token.Hex()), age)
	return b.maxAge > 0 && age > b.maxAge
}

// IsStale reports whether the token's last price is missing or older than the
// freshness window and not covered by an override.
func (b *PriceBook) IsStale(_ context.Context, token common.Address) bool {
	if b == nil {
		return true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.staleLocked(token)
}

// USDValue prices amount with the last accepted quote, fresh or not.
func (b *PriceBook) USDValue(ctx context.Context, token common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if b == nil {
		return nil, errUnconfiguredBook
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	quote, ok := b.quotes[token]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, token.Hex())
	}
	return value(amount, quote.Price)
}

// UpdateAndGetUSDValue refreshes the token's price from the feed when one is
// configured and prices amount only if the resulting quote is fresh.
func (b *PriceBook) UpdateAndGetUSDValue(ctx context.Context, token common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if b == nil {
		return nil, errUnconfiguredBook
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	feed := b.feed
	b.mu.RUnlock()
	if feed != nil {
		quote, err := feed.Fetch(ctx, token)
		if err != nil {
			b.metrics.RecordUpdate(strings.ToLower(token.Hex()), "fetch_failed")
			return nil, fmt.Errorf("oracle: fetch %s: %w", token.Hex(), err)
		}
		if err := b.Update(token, quote); err != nil && !errors.Is(err, ErrOutdatedQuote) {
			return nil, err
		}
	}
	b.mu.RLock()
	quote, ok := b.quotes[token]
	stale := b.staleLocked(token)
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, token.Hex())
	}
	if stale {
		return nil, fmt.Errorf("%w: %s", ErrStalePrice, token.Hex())
	}
	return value(amount, quote.Price)
}

func value(amount, price *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return new(uint256.Int), nil
	}
	out, overflow := new(uint256.Int).MulDivOverflow(amount, price, precision)
	if overflow {
		return nil, ErrPriceOverflow
	}
	return out, nil
}

// deviates reports whether next differs from prev by more than thresholdBps.
func deviates(next, prev *uint256.Int, thresholdBps uint64) bool {
	if prev == nil || prev.IsZero() {
		return false
	}
	diff := new(uint256.Int)
	if next.Gt(prev) {
		diff.Sub(next, prev)
	} else {
		diff.Sub(prev, next)
	}
	ratio, overflow := new(uint256.Int).MulDivOverflow(diff, uint256.NewInt(10_000), prev)
	if overflow {
		return true
	}
	return ratio.Gt(uint256.NewInt(thresholdBps))
}
