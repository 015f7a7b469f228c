package ledger

import (
	"fmt"
	"strings"
	"time"

	"oeufmaster/backend/internal/domain"
	"oeufmaster/backend/internal/xid"
)

type DeductionPolicy int

const (
	// FailOnShortage rejects a deduction larger than the available trays.
	FailOnShortage DeductionPolicy = iota
	// ClampAtZero removes at most the available trays.
	ClampAtZero
)

// StockLedger applies tray movements to a private copy of the stock levels.
// Every successful movement yields exactly one inventory log entry.
type StockLedger struct {
	levels domain.StockLevels
	now    func() time.Time
}

func NewStockLedger(levels domain.StockLevels, now func() time.Time) *StockLedger {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &StockLedger{levels: levels.Clone(), now: now}
}

func (l *StockLedger) Levels() domain.StockLevels {
	return l.levels.Clone()
}

// Apply moves delta trays in or out of grade and returns the new quantity.
func (l *StockLedger) Apply(grade domain.Grade, delta int, policy DeductionPolicy, note string) (int, domain.InventoryLog, error) {
	if !grade.Valid() {
		return 0, domain.InventoryLog{}, invalidf("unknown grade %q", grade)
	}
	if delta == 0 {
		return 0, domain.InventoryLog{}, invalidf("stock movement must not be zero")
	}

	available := l.levels.Available(grade)
	entry := l.newEntry(grade, note)

	if delta > 0 {
		l.levels[grade] = available + delta
		entry.Type = domain.MovementAdd
		entry.Quantity = delta
		return l.levels[grade], entry, nil
	}

	requested := -delta
	removed := requested
	if requested > available {
		if policy != ClampAtZero {
			return available, domain.InventoryLog{}, &InsufficientStockError{Grade: grade, Available: available, Requested: requested}
		}
		removed = available
		entry.Note = joinNote(note, fmt.Sprintf("stock insuffisant: %d demandés, %d retirés", requested, removed))
	}

	l.levels[grade] = available - removed
	entry.Type = domain.MovementRemove
	entry.Quantity = removed
	return l.levels[grade], entry, nil
}

// Count replaces the quantity of grade with a physically counted value.
func (l *StockLedger) Count(grade domain.Grade, counted int, note string) (int, domain.InventoryLog, error) {
	if !grade.Valid() {
		return 0, domain.InventoryLog{}, invalidf("unknown grade %q", grade)
	}
	if counted < 0 {
		return 0, domain.InventoryLog{}, invalidf("counted quantity must not be negative")
	}

	previous := l.levels.Available(grade)
	l.levels[grade] = counted

	diff := counted - previous
	if diff < 0 {
		diff = -diff
	}
	entry := l.newEntry(grade, joinNote(note, fmt.Sprintf("inventaire: %d -> %d", previous, counted)))
	entry.Type = domain.MovementAdjustment
	entry.Quantity = diff
	return counted, entry, nil
}

func (l *StockLedger) newEntry(grade domain.Grade, note string) domain.InventoryLog {
	return domain.InventoryLog{
		ID:        xid.New("log"),
		Grade:     grade,
		Note:      strings.TrimSpace(note),
		CreatedAt: l.now(),
	}
}

func joinNote(note string, detail string) string {
	note = strings.TrimSpace(note)
	if note == "" {
		return detail
	}
	return note + " (" + detail + ")"
}
