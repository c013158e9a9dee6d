package crunchy

import "time"

// DefaultRetentionDays is how long decompressed FASTQ files are kept before the
// archive is considered the stable copy again.
const DefaultRetentionDays = 21

// IsEligibleForRecompression reports whether unpacked+deltaDays is on or before
// today. Only calendar dates are compared.
func IsEligibleForRecompression(unpacked, today time.Time, deltaDays int) bool {
	limit := calendarDate(unpacked).AddDate(0, 0, deltaDays)
	return !limit.After(calendarDate(today))
}

func calendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
