package housekeeping

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// standard 5-field cron (minute hour day month weekday).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron reports whether expr parses as a standard 5-field cron
// expression.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}
