package evalctx

import (
	"fmt"
	"time"
)

// dayNames mirrors the canonical day-of-week class names.
var dayNames = [...]string{
	"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday",
}

var monthNames = [...]string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

// shiftBand returns the coarse shift class for an hour-of-day (0-23), in
// six-hour bands, matching the original daemon's Night/Morning/Afternoon/Evening
// split.
func shiftBand(hour int) string {
	switch {
	case hour >= 0 && hour < 6:
		return "Night"
	case hour < 12:
		return "Morning"
	case hour < 18:
		return "Afternoon"
	default:
		return "Evening"
	}
}

// UpdateTimeClasses derives the canonical set of symbolic time classes from
// a wall-clock instant t and inserts them as hard classes into ctx. It is
// deterministic: the same t always yields the same set, and the set is
// exhaustive for every input a schedule expression may name (day of week,
// two-digit hour, shift band, five-minute bucket, day of month, month,
// year).
func UpdateTimeClasses(ctx *Context, t time.Time) {
	ctx.PutHard(dayNames[int(t.Weekday())])

	hour := t.Hour()
	ctx.PutHard(fmt.Sprintf("Hr%02d", hour))
	ctx.PutHard(shiftBand(hour))

	minute := t.Minute()
	bucketStart := (minute / 5) * 5
	bucketEnd := bucketStart + 5
	if bucketEnd == 60 {
		ctx.PutHard(fmt.Sprintf("Min%02d_00", bucketStart))
	} else {
		ctx.PutHard(fmt.Sprintf("Min%02d_%02d", bucketStart, bucketEnd))
	}

	ctx.PutHard(fmt.Sprintf("Day%d", t.Day()))
	ctx.PutHard(monthNames[int(t.Month())-1])
	ctx.PutHard(fmt.Sprintf("Yr%04d", t.Year()))

	ctx.PutVar("sys", "now", t)
}
