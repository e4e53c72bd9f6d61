package throttle

import (
	"strconv"
	"strings"
	"time"
)

// FormatDuration renders seconds as a compact "Xh Ym Zs" string, omitting zero units.
// Zero renders as "0s"; negative values are treated as zero.
func FormatDuration(seconds int64) string {
	if seconds <= 0 {
		return "0s"
	}

	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	parts := make([]string, 0, 3)
	if hours > 0 {
		parts = append(parts, strconv.FormatInt(hours, 10)+"h")
	}
	if minutes > 0 {
		parts = append(parts, strconv.FormatInt(minutes, 10)+"m")
	}
	if secs > 0 {
		parts = append(parts, strconv.FormatInt(secs, 10)+"s")
	}
	return strings.Join(parts, " ")
}

// RetrySeconds rounds a wait up to whole seconds so clients never retry early.
func RetrySeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
