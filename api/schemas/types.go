// File: api/schemas/types.go
package schemas

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// -- Telemetry value types --

// TimestampedString wraps a text payload (control message, observation,
// error entry) with its capture time. Values are immutable once built;
// handlers copy them into WorldState rather than sharing pointers.
type TimestampedString struct {
	Timestamp time.Time
	Text      string
}

// NewTimestampedString stamps text with the current UTC time.
func NewTimestampedString(text string) TimestampedString {
	return TimestampedString{Timestamp: time.Now().UTC(), Text: text}
}

// TimestampedVideoFrame is one decoded video frame from the video stream.
// Pixels is row-major, Channels bytes per pixel.
type TimestampedVideoFrame struct {
	Timestamp time.Time
	Width     int
	Height    int
	Channels  int
	Pixels    []byte
}

// Reward is a sparse vector of reward values keyed by dimension.
// The zero value (nil map is treated as empty) is the additive identity.
type Reward map[int]float64

// Add merges other into r, summing values on shared dimensions.
func (r Reward) Add(other Reward) {
	for dim, v := range other {
		r[dim] += v
	}
}

// Value returns the reward on a single dimension (0 when absent).
func (r Reward) Value(dimension int) float64 {
	return r[dimension]
}

// SimpleString renders the reward in its flat wire form:
// "dim:value,dim:value" with dimensions in ascending order.
func (r Reward) SimpleString() string {
	dims := make([]int, 0, len(r))
	for dim := range r {
		dims = append(dims, dim)
	}
	sort.Ints(dims)
	parts := make([]string, 0, len(dims))
	for _, dim := range dims {
		parts = append(parts, strconv.Itoa(dim)+":"+strconv.FormatFloat(r[dim], 'f', -1, 64))
	}
	return strings.Join(parts, ",")
}

// ParseRewardString parses the flat "dim:value,dim:value" form.
func ParseRewardString(s string) (Reward, error) {
	reward := Reward{}
	s = strings.TrimSpace(s)
	if s == "" {
		return reward, nil
	}
	for _, part := range strings.Split(s, ",") {
		dimStr, valStr, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("reward component %q has no ':' separator", part)
		}
		dim, err := strconv.Atoi(strings.TrimSpace(dimStr))
		if err != nil {
			return nil, fmt.Errorf("reward dimension %q: %w", dimStr, err)
		}
		val, err := strconv.ParseFloat(strings.TrimSpace(valStr), 64)
		if err != nil {
			return nil, fmt.Errorf("reward value %q: %w", valStr, err)
		}
		reward[dim] += val
	}
	return reward, nil
}

// TimestampedReward pairs a reward vector with its capture time.
type TimestampedReward struct {
	Timestamp time.Time
	Reward    Reward
}

// NewTimestampedReward copies the reward so later mutation of the source
// cannot reach buffered state.
func NewTimestampedReward(ts time.Time, reward Reward) TimestampedReward {
	copied := make(Reward, len(reward))
	copied.Add(reward)
	return TimestampedReward{Timestamp: ts, Reward: copied}
}
