package loop

import "time"

// NextSchedule computes when the next delivery is due for a group whose
// stored due time is `due` and whose cadence is `delay`.
//
//   - A zero due time means the group has no stored schedule: wait one
//     full delay from now. (Fresh operator starts bypass this and send
//     immediately; that is the loop's decision, not the calculator's.)
//   - A future due time is kept as is.
//   - A past due time is advanced by whole multiples of delay past now,
//     preserving the phase of the original schedule. Missed cycles are
//     skipped, not replayed; the result is always strictly after now.
func NextSchedule(now, due time.Time, delay time.Duration) time.Time {
	if delay <= 0 {
		delay = time.Hour
	}
	if due.IsZero() {
		return now.Add(delay)
	}
	if due.After(now) {
		return due
	}
	missed := now.Sub(due) / delay
	return due.Add((missed + 1) * delay)
}
