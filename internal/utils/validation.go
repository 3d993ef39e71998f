package utils

import (
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseDateFlag parses a date given either in ISO format (YYYY-MM-DD) or
// as an English phrase ("tomorrow", "next friday") relative to now.
// Returns "" for empty strings.
func ParseDateFlag(dateStr string, now time.Time) (string, error) {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		return "", nil
	}

	if d, err := time.ParseInLocation("2006-01-02", dateStr, time.Local); err == nil {
		return d.Format("2006-01-02"), nil
	}

	r, err := dateParser.Parse(dateStr, now)
	if err != nil || r == nil {
		return "", ErrInvalidDate(dateStr)
	}
	return r.Time.Format("2006-01-02"), nil
}

// ParseTimeFlag validates a 24h HH:MM time. Returns "" for empty strings.
func ParseTimeFlag(timeStr string) (string, error) {
	timeStr = strings.TrimSpace(timeStr)
	if timeStr == "" {
		return "", nil
	}
	t, err := time.Parse("15:04", timeStr)
	if err != nil {
		return "", ErrInvalidTime(timeStr)
	}
	return t.Format("15:04"), nil
}
