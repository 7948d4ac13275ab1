package outbound

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// DefaultCodeTTL is how long a confirmation code stays valid.
const DefaultCodeTTL = 120 * time.Second

// pendingRetention is how long an expired entry stays resolvable past its
// TTL, so a late YES gets the expired reply instead of the unknown one.
const pendingRetention = time.Hour

// Confirmation code resolution errors.
var (
	ErrUnknownCode = errors.New("unknown confirmation code")
	ErrExpiredCode = errors.New("confirmation code expired")
)

// Pending is one outbound call awaiting confirmation.
type Pending struct {
	Code          string
	DestE164      string
	Display       string
	Theme         string
	RecipientName string
	CreatedAt     time.Time
	RequesterChat int64
}

// pendingStore keeps staged calls by confirmation code. Safe for concurrent
// use.
type pendingStore struct {
	ttl time.Duration

	mu     sync.Mutex
	byCode map[string]*Pending
	now    func() time.Time
}

func newPendingStore(ttl time.Duration) *pendingStore {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	return &pendingStore{
		ttl:    ttl,
		byCode: make(map[string]*Pending),
		now:    time.Now,
	}
}

// add mints a code, stamps the entry and stores it. The minted code is
// written back into p and returned.
func (ps *pendingStore) add(p *Pending) string {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	code := mintCode()
	for {
		if _, taken := ps.byCode[code]; !taken {
			break
		}
		code = mintCode()
	}
	p.Code = code
	p.CreatedAt = ps.now()
	ps.byCode[code] = p
	return code
}

// take pops the entry for code. Expired entries are removed and reported
// distinctly from codes that never existed.
func (ps *pendingStore) take(code string) (Pending, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	p, ok := ps.byCode[code]
	if !ok {
		return Pending{}, ErrUnknownCode
	}
	delete(ps.byCode, code)
	if ps.now().Sub(p.CreatedAt) > ps.ttl {
		return Pending{}, ErrExpiredCode
	}
	return *p, nil
}

// remove drops the entry for code regardless of expiry and reports whether
// it existed.
func (ps *pendingStore) remove(code string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	_, ok := ps.byCode[code]
	delete(ps.byCode, code)
	return ok
}

// purge drops entries expired beyond the retention grace. Runs on every
// webhook entry.
func (ps *pendingStore) purge() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	cutoff := ps.now().Add(-(ps.ttl + pendingRetention))
	for code, p := range ps.byCode {
		if p.CreatedAt.Before(cutoff) {
			delete(ps.byCode, code)
		}
	}
}

// mintCode returns a random six-digit confirmation code.
func mintCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		// Only fails when the platform RNG is broken.
		panic(err)
	}
	return fmt.Sprintf("%06d", n.Int64())
}
