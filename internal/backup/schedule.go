/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package backup

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// MinScheduleInterval is the minimum allowed interval between backups.
const MinScheduleInterval = 15 * time.Minute

// Parser is a cron parser for standard 5-field expressions.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := Parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// ValidateSchedule rejects invalid expressions and schedules firing more
// often than MinScheduleInterval anywhere in the next few runs.
func ValidateSchedule(expr string) error {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return err
	}
	// A fixed reference keeps validation deterministic.
	prev := schedule.Next(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	for i := 0; i < 48; i++ {
		next := schedule.Next(prev)
		if gap := next.Sub(prev); gap < MinScheduleInterval {
			return fmt.Errorf("backup schedule interval %v is less than minimum allowed %v", gap, MinScheduleInterval)
		}
		prev = next
	}
	return nil
}

// IsDue reports whether a run is due at now. Without a previous run the
// schedule is counted from since, so enabling never fires immediately.
func IsDue(expr string, lastRun, since, now time.Time) (bool, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return false, err
	}
	from := lastRun
	if from.IsZero() {
		from = since
	}
	next := schedule.Next(from)
	return !now.Before(next), nil
}
