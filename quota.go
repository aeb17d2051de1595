package athanor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultPeriod is the billing period length when none is configured.
const defaultPeriod = 30 * 24 * time.Hour

// Quota is the gate in front of every billable action. It serializes
// mutations per user, so a check-then-increment pair is atomic even when the
// backing store only guarantees atomic single adds.
type Quota struct {
	store  QuotaStore
	policy *Policy
	period time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// QuotaOption configures a Quota.
type QuotaOption func(*Quota)

// WithQuotaPeriod overrides the billing period length. Periods shorter than
// one second are ignored; counter keys carry whole seconds.
func WithQuotaPeriod(d time.Duration) QuotaOption {
	return func(q *Quota) {
		if d >= time.Second {
			q.period = d
		}
	}
}

// WithQuotaClock injects the time source. Tests pin it.
func WithQuotaClock(now func() time.Time) QuotaOption {
	return func(q *Quota) { q.now = now }
}

// WithQuotaLogger sets the structured logger.
func WithQuotaLogger(l *slog.Logger) QuotaOption {
	return func(q *Quota) { q.logger = l }
}

// NewQuota builds the gate over a counter store and the static tier table.
func NewQuota(store QuotaStore, policy *Policy, opts ...QuotaOption) *Quota {
	q := &Quota{
		store:  store,
		policy: policy,
		period: defaultPeriod,
		now:    time.Now,
		logger: nopLogger,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// userLock returns the serialization lock for one user.
func (q *Quota) userLock(userID string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		q.locks[userID] = l
	}
	return l
}

// currentPeriod returns the start of the user's active billing period.
// Counters are keyed by it, so crossing the boundary resets them lazily.
func (q *Quota) currentPeriod(u User) int64 {
	start := u.PeriodStart
	now := q.now().Unix()
	if start <= 0 || start > now {
		start = now
	}
	length := int64(q.period / time.Second)
	elapsed := (now - start) / length
	return start + elapsed*length
}

// resetAt returns the instant the user's counters next reset.
func (q *Quota) resetAt(u User) int64 {
	return q.currentPeriod(u) + int64(q.period/time.Second)
}

// Check verifies that consuming cost more of counter would stay within the
// user's limit. It does not consume.
func (q *Quota) Check(ctx context.Context, u User, counter Counter, cost int64) error {
	limit := q.policy.Limit(u.Tier, counter)
	if limit == UnlimitedQuota {
		return nil
	}
	value, err := q.store.CounterValue(ctx, u.ID, counter, q.currentPeriod(u))
	if err != nil {
		return &Error{Kind: KindInternal, Message: "quota read failed", Err: err}
	}
	if value+cost > limit {
		return q.overQuota(u, counter)
	}
	return nil
}

// Reserve atomically consumes cost of counter and returns a reservation that
// must be released on downstream failure or committed (optionally adjusted)
// on success.
func (q *Quota) Reserve(ctx context.Context, u User, counter Counter, cost int64) (*Reservation, error) {
	lock := q.userLock(u.ID)
	lock.Lock()
	defer lock.Unlock()

	period := q.currentPeriod(u)
	limit := q.policy.Limit(u.Tier, counter)
	if limit != UnlimitedQuota {
		value, err := q.store.CounterValue(ctx, u.ID, counter, period)
		if err != nil {
			return nil, &Error{Kind: KindInternal, Message: "quota read failed", Err: err}
		}
		if value+cost > limit {
			return nil, q.overQuota(u, counter)
		}
	}
	if _, err := q.store.AddCounter(ctx, u.ID, counter, period, cost); err != nil {
		return nil, &Error{Kind: KindInternal, Message: "quota reserve failed", Err: err}
	}
	q.logger.Debug("quota: reserved", "user", u.ID, "counter", counter, "cost", cost)
	return &Reservation{quota: q, userID: u.ID, counter: counter, period: period, cost: cost}, nil
}

// ReserveAndCommit consumes cost of counter in one step, for actions that
// either happen entirely or not at all once the reservation succeeds.
func (q *Quota) ReserveAndCommit(ctx context.Context, u User, counter Counter, cost int64) error {
	res, err := q.Reserve(ctx, u, counter, cost)
	if err != nil {
		return err
	}
	res.Commit()
	return nil
}

// Allowed answers the policy questions without touching counters.
func (q *Quota) Allowed(u User, resource string) bool {
	if q.policy.AllowedModel(u, resource) {
		return true
	}
	return q.policy.FeatureEnabled(u, resource)
}

func (q *Quota) overQuota(u User, counter Counter) *Error {
	return &Error{
		Kind:    KindOverQuota,
		Counter: string(counter),
		ResetAt: q.resetAt(u),
		Message: "limit reached for " + string(counter),
	}
}

// Reservation is one consumed quota increment awaiting the outcome of its
// action. Exactly one of Release, Commit, or Adjust is called.
type Reservation struct {
	quota   *Quota
	userID  string
	counter Counter
	period  int64
	cost    int64
	settled bool
}

// Release returns the reserved cost because the action failed before
// completion.
func (r *Reservation) Release(ctx context.Context) error {
	if r.settled {
		return nil
	}
	r.settled = true
	_, err := r.quota.store.AddCounter(ctx, r.userID, r.counter, r.period, -r.cost)
	return err
}

// Commit finalizes the reservation as reserved.
func (r *Reservation) Commit() {
	r.settled = true
}

// Adjust finalizes the reservation at the actual cost, replacing the
// pre-flight estimate.
func (r *Reservation) Adjust(ctx context.Context, actual int64) error {
	if r.settled {
		return nil
	}
	r.settled = true
	delta := actual - r.cost
	if delta == 0 {
		return nil
	}
	_, err := r.quota.store.AddCounter(ctx, r.userID, r.counter, r.period, delta)
	return err
}
