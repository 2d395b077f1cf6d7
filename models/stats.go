package models

import "fmt"

// Stats is a snapshot of the read-path counters. Counters live for the
// process only; they are never persisted.
type Stats struct {
	Hits          int64  `json:"hits"`
	Misses        int64  `json:"misses"`
	Invalidations int64  `json:"invalidations"`
	TotalReads    int64  `json:"totalReads"`
	HitRate       string `json:"hitRate"`
}

// FormatHitRate renders hits/totalReads as a percentage, "0.0%" when no
// reads have happened yet.
func FormatHitRate(hits, totalReads int64) string {
	if totalReads == 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(hits)/float64(totalReads)*100)
}
