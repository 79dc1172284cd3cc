// Package historical downloads candle history over the REST API to CSV.
package historical

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxCandles is the largest number of candles the API returns per call.
const MaxCandles = 300

var ErrInvalidGranularity = errors.New("invalid granularity")

var granularities = map[string]int{
	"1m":  60,
	"5m":  300,
	"15m": 900,
	"1h":  3600,
	"6h":  21600,
	"1d":  86400,
}

// Granularities lists the accepted granularity names and their seconds.
func Granularities() []string {
	names := make([]string, 0, len(granularities)*2)
	for name, secs := range granularities {
		names = append(names, name, strconv.Itoa(secs))
	}
	sort.Strings(names)
	return names
}

// ParseGranularity accepts a name such as "15m" or its value in seconds.
func ParseGranularity(s string) (int, error) {
	s = strings.TrimSpace(s)
	if secs, ok := granularities[s]; ok {
		return secs, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		for _, v := range granularities {
			if v == secs {
				return secs, nil
			}
		}
	}
	return 0, fmt.Errorf("%w %q: must be one of [%s]", ErrInvalidGranularity, s, strings.Join(Granularities(), ", "))
}

// Interval is one [Start, End) request window.
type Interval struct {
	Start time.Time
	End   time.Time
}

// SplitInterval cuts [start, end) into windows of at most MaxCandles
// candles. The last window ends at end. A trailing empty window is dropped.
func SplitInterval(start, end time.Time, granularity int) []Interval {
	total := end.Sub(start)
	maxDelta := time.Duration(MaxCandles*granularity) * time.Second
	if total < maxDelta {
		return []Interval{{Start: start, End: end}}
	}

	calls := int(total / maxDelta)
	intervals := make([]Interval, 0, calls+1)
	current := start
	for i := 0; i < calls; i++ {
		next := current.Add(maxDelta)
		intervals = append(intervals, Interval{Start: current, End: next})
		current = next
	}
	if current.Before(end) {
		intervals = append(intervals, Interval{Start: current, End: end})
	}
	return intervals
}
