// Package discount runs the daily 18:00 CET per-user discount rollout
// (spec.md §4.6), assigning each user one randomly chosen eligible model at
// a randomly drawn ×1.5–×3.0 multiplier. Grounded on the teacher's
// gateway.go StartDiscovery background-goroutine pattern, generalized from
// a fixed-interval poll to a CET-windowed daily fire with a persisted
// last-fired-date guard.
package discount

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ferro-labs/creditgw/catalog"
)

// UserDiscount is one live discount row.
type UserDiscount struct {
	ID         string
	UserID     string
	ModelID    string
	Multiplier float64
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// EligibleModels is the hard-coded ELIGIBLE_MODELS constant named in
// spec.md §4.6: the pool the daily rollout draws from, independent of
// which models a given user's plan would otherwise grant.
var EligibleModels = []string{
	"gpt-4o-mini",
	"gpt-4o",
	"claude-3-5-haiku-20241022",
	"claude-opus-4-5-20251101",
	"gemini-1.5-flash",
}

// User is the minimal per-user view the scheduler needs.
type User struct {
	ID           string
	Plan         string
	IsRPVerified bool
}

// UserSource enumerates every user the rollout should consider.
type UserSource interface {
	AllUsers(ctx context.Context) ([]User, error)
}

// Repository is the persistence contract for UserDiscount rows (spec.md §6
// repository contracts, specialized to discounts).
type Repository interface {
	DeleteExpired(ctx context.Context, now time.Time) error
	DeleteActiveForUser(ctx context.Context, userID string) error
	Insert(ctx context.Context, d UserDiscount) error
	FindActiveByUserID(ctx context.Context, userID string, now time.Time) ([]UserDiscount, error)
}

const (
	// DefaultCheckInterval is DISCOUNT_CHECK_INTERVAL_MS's default.
	DefaultCheckInterval = 5 * time.Minute
	// DefaultDuration is DISCOUNT_DURATION_MS's default.
	DefaultDuration = 24 * time.Hour
)

// fireWindow is how long after 18:00 CET the scheduler still considers
// itself "in the firing window" for the day, per spec.md §4.6.
const fireWindow = 5 * time.Minute

// multiplierStep/multiplierSteps generate the sixteen valid draws
// {1.5, 1.6, ..., 3.0}.
const (
	multiplierMin   = 1.5
	multiplierSteps = 16 // (3.0-1.5)/0.1 + 1
)

// Scheduler runs the daily rollout tick.
type Scheduler struct {
	repo    Repository
	users   UserSource
	catalog catalog.Catalog

	checkInterval time.Duration
	duration      time.Duration

	rndMu sync.Mutex
	rnd   *rand.Rand

	dateMu           sync.Mutex
	lastDiscountDate string

	running int32
}

// New constructs a Scheduler. checkInterval/duration of zero fall back to
// their spec defaults.
func New(repo Repository, users UserSource, cat catalog.Catalog, checkInterval, duration time.Duration) *Scheduler {
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Scheduler{
		repo:          repo,
		users:         users,
		catalog:       cat,
		checkInterval: checkInterval,
		duration:      duration,
		rnd:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run blocks, ticking at s.checkInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			_ = s.Tick(ctx, now)
		}
	}
}

// Tick runs one scheduler check. It is a no-op unless now falls in the
// [18:00, 18:05) CET window and today's CET date has not already fired.
// Exported so tests and a manual CLI trigger can drive it directly.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&s.running, 0)

	cet := toCET(now)
	if !inFireWindow(cet) {
		return nil
	}
	dateStr := cet.Format("2006-01-02")

	s.dateMu.Lock()
	already := s.lastDiscountDate == dateStr
	s.dateMu.Unlock()
	if already {
		return nil
	}

	if err := s.fire(ctx, now); err != nil {
		return err
	}

	s.dateMu.Lock()
	s.lastDiscountDate = dateStr
	s.dateMu.Unlock()
	return nil
}

func (s *Scheduler) fire(ctx context.Context, now time.Time) error {
	if err := s.repo.DeleteExpired(ctx, now); err != nil {
		return err
	}

	users, err := s.users.AllUsers(ctx)
	if err != nil {
		return err
	}

	for _, u := range users {
		model := s.pickModel(u)
		multiplier := s.pickMultiplier()

		if err := s.repo.DeleteActiveForUser(ctx, u.ID); err != nil {
			return err
		}
		row := UserDiscount{
			ID:         uuid.NewString(),
			UserID:     u.ID,
			ModelID:    model,
			Multiplier: multiplier,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.duration),
		}
		if err := s.repo.Insert(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// pickModel builds the eligible list per spec.md §4.6 Step 2 and draws one
// entry uniformly.
func (s *Scheduler) pickModel(u User) string {
	pool := s.eligibleList(u)
	idx := s.intn(len(pool))
	return pool[idx]
}

func (s *Scheduler) eligibleList(u User) []string {
	if u.IsRPVerified {
		return EligibleModels
	}
	intersection := make([]string, 0, len(EligibleModels))
	for _, m := range EligibleModels {
		if s.catalog.HasAccess(m, u.Plan) {
			intersection = append(intersection, m)
		}
	}
	if len(intersection) == 0 {
		return EligibleModels
	}
	return intersection
}

// pickMultiplier draws uniformly from {1.5, 1.6, ..., 3.0}.
func (s *Scheduler) pickMultiplier() float64 {
	n := s.intn(multiplierSteps)
	raw := multiplierMin + float64(n)*0.1
	return math.Round(raw*10) / 10
}

func (s *Scheduler) intn(n int) int {
	if n <= 0 {
		return 0
	}
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return s.rnd.Intn(n)
}

// toCET approximates Europe/Berlin-style civil time without a tzdata
// dependency: UTC+1, or UTC+2 for a DST window approximated as
// March-through-October (spec.md §4.6, acknowledged as imprecise; see
// DESIGN.md).
func toCET(now time.Time) time.Time {
	offset := 1
	month := now.UTC().Month()
	if month >= time.March && month <= time.October {
		offset = 2
	}
	return now.UTC().Add(time.Duration(offset) * time.Hour)
}

func inFireWindow(cet time.Time) bool {
	h, m, _ := cet.Clock()
	if h != 18 {
		return false
	}
	return time.Duration(m)*time.Minute < fireWindow
}
