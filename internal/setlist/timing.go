package setlist

import (
	"fmt"
	"strconv"
	"strings"
)

// closeWindow is how near the target (in seconds) counts as on time.
const closeWindow = 30

// TimingStats summarises a set against its target length.
type TimingStats struct {
	Total           int     `json:"total"`
	Target          int     `json:"target"`
	Difference      int     `json:"difference"` // total - target
	IsOverTime      bool    `json:"isOverTime"`
	IsCloseToTarget bool    `json:"isCloseToTarget"`
	Percent         float64 `json:"percent"`
	Count           int     `json:"count"`
}

func Timing(items []Item, target int) TimingStats {
	st := TimingStats{Target: target, Count: len(items)}
	for _, it := range items {
		st.Total += it.EstimatedDuration
	}
	st.Difference = st.Total - target
	st.IsOverTime = st.Difference > 0
	st.IsCloseToTarget = st.Difference >= -closeWindow && st.Difference <= closeWindow
	if target > 0 {
		st.Percent = float64(st.Total) / float64(target) * 100
	}
	return st
}

// FormatDuration renders seconds as m:ss.
func FormatDuration(seconds int) string {
	sign := ""
	if seconds < 0 {
		sign = "-"
		seconds = -seconds
	}
	return fmt.Sprintf("%s%d:%02d", sign, seconds/60, seconds%60)
}

// ParseDuration accepts "m:ss" or a plain number of seconds.
func ParseDuration(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, &ValidationError{Msg: "duration is empty"}
	}
	mins, secs, found := strings.Cut(s, ":")
	if !found {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return 0, &ValidationError{Msg: "invalid duration: " + s}
		}
		return v, nil
	}
	m, err := strconv.Atoi(mins)
	if err != nil || m < 0 {
		return 0, &ValidationError{Msg: "invalid duration: " + s}
	}
	sc, err := strconv.Atoi(secs)
	if err != nil || sc < 0 || sc >= 60 || len(secs) != 2 {
		return 0, &ValidationError{Msg: "invalid duration: " + s}
	}
	return m*60 + sc, nil
}
