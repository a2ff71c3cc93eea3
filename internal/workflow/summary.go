package workflow

import "fmt"

type Trend string

const (
	TrendIncreasing Trend = "Increasing"
	TrendDecreasing Trend = "Decreasing"
	TrendStable     Trend = "Stable"
)

// Summary is the human reading of a decrypted delta.
type Summary struct {
	Delta     int64
	Trend     Trend
	Magnitude uint64
	Text      string
}

func Summarize(delta int64) Summary {
	s := Summary{Delta: delta}
	switch {
	case delta > 0:
		s.Trend = TrendIncreasing
		s.Magnitude = uint64(delta)
		s.Text = fmt.Sprintf("Today's production is %d units higher than yesterday", s.Magnitude)
	case delta < 0:
		s.Trend = TrendDecreasing
		s.Magnitude = uint64(-(delta + 1)) + 1
		s.Text = fmt.Sprintf("Today's production is %d units lower than yesterday", s.Magnitude)
	default:
		s.Trend = TrendStable
		s.Text = "Today's production matches yesterday's level"
	}
	return s
}

// Summary returns the reading of the decrypted delta, if there is one.
func (s Snapshot) Summary() (Summary, bool) {
	if s.Decryption.State != DecryptionDecrypted {
		return Summary{}, false
	}
	return Summarize(s.Decryption.ClearValue), true
}
