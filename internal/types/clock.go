package types

import "time"

// BusinessDate renders the UTC calendar day used to stamp transactions and
// scope daily storno credits.
func BusinessDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
