package ai

import (
	"sync"
	"time"
)

// CostLedger tracks LLM spend per owner per day and per month. Admission is
// a reservation: Reserve debits the expected cost under the lock, so two
// concurrent calls cannot both squeeze under the cap, and Settle adjusts the
// debit to the actual cost once the call returns.
type CostLedger struct {
	mu       sync.Mutex
	daily    map[string]float64 // owner|YYYY-MM-DD
	monthly  map[string]float64 // owner|YYYY-MM
	maxDay   float64
	maxMonth float64
	now      func() time.Time
}

func NewCostLedger(maxDailyUSD, maxMonthlyUSD float64) *CostLedger {
	return &CostLedger{
		daily:    map[string]float64{},
		monthly:  map[string]float64{},
		maxDay:   maxDailyUSD,
		maxMonth: maxMonthlyUSD,
		now:      time.Now,
	}
}

func (l *CostLedger) dayKey(owner string, t time.Time) string {
	return owner + "|" + t.UTC().Format("2006-01-02")
}

func (l *CostLedger) monthKey(owner string, t time.Time) string {
	return owner + "|" + t.UTC().Format("2006-01")
}

// Reserve admits a call expected to cost expectedUSD and debits that amount
// against both budgets. It returns false, debiting nothing, when the
// reservation would breach either cap. A cap of exactly zero denies
// everything; a negative cap means uncapped. Every successful Reserve must
// be paired with a Settle.
func (l *CostLedger) Reserve(owner string, expectedUSD float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.now()
	if l.maxDay >= 0 && l.daily[l.dayKey(owner, t)]+expectedUSD > l.maxDay {
		return false
	}
	if l.maxMonth >= 0 && l.monthly[l.monthKey(owner, t)]+expectedUSD > l.maxMonth {
		return false
	}
	l.daily[l.dayKey(owner, t)] += expectedUSD
	l.monthly[l.monthKey(owner, t)] += expectedUSD
	return true
}

// Settle replaces an earlier reservation with the actual cost of the call.
// A failed call settles at zero, releasing the full reservation. Balances
// are clamped at zero in case the reservation straddled a day or month
// rollover.
func (l *CostLedger) Settle(owner string, reservedUSD, actualUSD float64) {
	if actualUSD < 0 {
		actualUSD = 0
	}
	delta := actualUSD - reservedUSD
	if delta == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.now()
	dk, mk := l.dayKey(owner, t), l.monthKey(owner, t)
	l.daily[dk] += delta
	l.monthly[mk] += delta
	if l.daily[dk] < 0 {
		l.daily[dk] = 0
	}
	if l.monthly[mk] < 0 {
		l.monthly[mk] = 0
	}
}

// Remaining returns the owner's remaining daily budget (0 when exhausted,
// negative never). With no daily cap it returns -1.
func (l *CostLedger) Remaining(owner string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxDay < 0 {
		return -1
	}
	rem := l.maxDay - l.daily[l.dayKey(owner, l.now())]
	if rem < 0 {
		return 0
	}
	return rem
}

// SpentToday returns the owner's recorded spend for the current UTC day.
func (l *CostLedger) SpentToday(owner string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.daily[l.dayKey(owner, l.now())]
}
