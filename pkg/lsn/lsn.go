package lsn

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// unixEpochOffsetSecs is the distance between the PostgreSQL epoch
// (2000-01-01 UTC) and the Unix epoch.
const unixEpochOffsetSecs = 946684800

// Lag calculates the byte distance between two LSN positions.
func Lag(current, latest pglogrepl.LSN) uint64 {
	if latest <= current {
		return 0
	}
	return uint64(latest - current)
}

// FormatLag returns a human-friendly representation of replication lag.
func FormatLag(bytes uint64) string {
	switch {
	case bytes >= 1<<30:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(1<<30))
	case bytes >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// TimeFromPG converts a PostgreSQL timestamp (microseconds since
// 2000-01-01 UTC) to a time.Time.
func TimeFromPG(micros int64) time.Time {
	secs := micros/1e6 + unixEpochOffsetSecs
	return time.Unix(secs, (micros%1e6)*1000).UTC()
}

// TimeToPG converts a time.Time to microseconds since 2000-01-01 UTC.
func TimeToPG(t time.Time) int64 {
	return (t.Unix()-unixEpochOffsetSecs)*1e6 + int64(t.Nanosecond()/1000)
}
