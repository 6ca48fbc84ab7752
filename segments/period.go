package segments

import (
	"fmt"
	"strings"
	"time"
)

const DefaultPrefix = "audit_log"

// Period is the calendar month a segment covers.
type Period struct {
	Year  int
	Month time.Month
}

const periodLayout = "2006-01"

// ParsePeriod reads a "YYYY-MM" label.
func ParsePeriod(label string) (Period, error) {
	t, err := time.Parse(periodLayout, strings.TrimSpace(label))
	if err != nil {
		return Period{}, fmt.Errorf("bad period %q: %v", label, err)
	}
	return Period{t.Year(), t.Month()}, nil
}

func PeriodFor(t time.Time) Period {
	return Period{t.Year(), t.Month()}
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

func (p Period) Before(q Period) bool {
	return p.Year < q.Year || p.Year == q.Year && p.Month < q.Month
}

// PeriodOf extracts the period from a "<prefix>-YYYY-MM" segment id.
func PeriodOf(id, prefix string) (Period, bool) {
	label := strings.TrimPrefix(id, prefix+"-")
	if label == id || len(label) != len(periodLayout) {
		return Period{}, false
	}
	p, err := ParsePeriod(label)
	if err != nil {
		return Period{}, false
	}
	return p, true
}

// ID names the segment for period p.
func ID(prefix string, p Period) string {
	return prefix + "-" + p.String()
}
