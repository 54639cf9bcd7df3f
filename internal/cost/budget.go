package cost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blufio/blufio/internal/blufioerr"
)

const warnFraction = 0.80

// Tracker holds in-memory daily/monthly running totals and optional
// caps, rehydrated from the Ledger on start. The monthly-only
// heartbeat tracker is just another Tracker instance constructed with
// the daily cap left nil.
type Tracker struct {
	mu sync.Mutex

	dailyCapUSD   *float64
	monthlyCapUSD *float64

	dailyTotal   float64
	monthlyTotal float64

	lastDayOfYear   int
	lastMonthOfYear int
	lastYear        int

	logger *slog.Logger
}

// NewTracker constructs a Tracker with the given optional caps (nil
// means unlimited for that window).
func NewTracker(dailyCapUSD, monthlyCapUSD *float64, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now().UTC()
	return &Tracker{
		dailyCapUSD:     dailyCapUSD,
		monthlyCapUSD:   monthlyCapUSD,
		lastDayOfYear:   now.YearDay(),
		lastMonthOfYear: int(now.Month()),
		lastYear:        now.Year(),
		logger:          logger,
	}
}

// FromLedger rehydrates a Tracker's running totals from today's and
// this month's ledger sums.
func FromLedger(ctx context.Context, ledger *Ledger, dailyCapUSD, monthlyCapUSD *float64, logger *slog.Logger) (*Tracker, error) {
	t := NewTracker(dailyCapUSD, monthlyCapUSD, logger)
	now := time.Now().UTC()

	daily, err := ledger.DailyTotal(ctx, now)
	if err != nil {
		return nil, err
	}
	monthly, err := ledger.MonthlyTotal(ctx, now)
	if err != nil {
		return nil, err
	}
	t.dailyTotal = daily
	t.monthlyTotal = monthly
	return t, nil
}

// maybeRollover zeroes the daily and/or monthly totals if the calendar
// unit has advanced since the last update. Must be called with mu held.
func (t *Tracker) maybeRollover() {
	now := time.Now().UTC()
	if now.YearDay() != t.lastDayOfYear || now.Year() != t.lastYear {
		t.dailyTotal = 0
		t.lastDayOfYear = now.YearDay()
	}
	if int(now.Month()) != t.lastMonthOfYear || now.Year() != t.lastYear {
		t.monthlyTotal = 0
		t.lastMonthOfYear = int(now.Month())
	}
	t.lastYear = now.Year()
}

// CheckBudget rolls day/month boundaries, then evaluates the current
// totals against the caps. A total at or above the cap fails with
// BudgetExhaustedError; a total at or above 80% of the cap logs a
// warning but still succeeds.
func (t *Tracker) CheckBudget() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRollover()

	if t.dailyCapUSD != nil && t.dailyTotal >= *t.dailyCapUSD {
		return &blufioerr.BudgetExhaustedError{
			Message: fmt.Sprintf("Daily budget of $%.2f reached. Resumes at midnight UTC.", *t.dailyCapUSD),
		}
	}
	if t.monthlyCapUSD != nil && t.monthlyTotal >= *t.monthlyCapUSD {
		return &blufioerr.BudgetExhaustedError{
			Message: fmt.Sprintf("Monthly budget of $%.2f reached. Resumes next month.", *t.monthlyCapUSD),
		}
	}

	if t.dailyCapUSD != nil && t.dailyTotal >= warnFraction*(*t.dailyCapUSD) {
		t.logger.Warn("daily budget usage above 80%", "total", t.dailyTotal, "cap", *t.dailyCapUSD)
	}
	if t.monthlyCapUSD != nil && t.monthlyTotal >= warnFraction*(*t.monthlyCapUSD) {
		t.logger.Warn("monthly budget usage above 80%", "total", t.monthlyTotal, "cap", *t.monthlyCapUSD)
	}
	return nil
}

// RecordCost increments both running totals by delta.
func (t *Tracker) RecordCost(delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRollover()
	t.dailyTotal += delta
	t.monthlyTotal += delta
}

// Utilization returns the larger of the daily and monthly cap
// utilization fractions, used by the Model Router's budget-aware
// downgrade. A nil cap contributes 0 utilization.
func (t *Tracker) Utilization() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRollover()

	var daily, monthly float64
	if t.dailyCapUSD != nil && *t.dailyCapUSD > 0 {
		daily = t.dailyTotal / *t.dailyCapUSD
	}
	if t.monthlyCapUSD != nil && *t.monthlyCapUSD > 0 {
		monthly = t.monthlyTotal / *t.monthlyCapUSD
	}
	if daily > monthly {
		return daily
	}
	return monthly
}

// Totals returns the current daily and monthly running totals.
func (t *Tracker) Totals() (daily, monthly float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRollover()
	return t.dailyTotal, t.monthlyTotal
}
