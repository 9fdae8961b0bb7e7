// File: internal/policy/policy.go
// Description: Pure retention policies deciding what each telemetry buffer
// keeps when a new item arrives. No I/O and no locking happens here; the
// agent host applies these under its state mutex.

package policy

import "github.com/malmo-go/malmo/api/schemas"

// VideoPolicy selects how received video frames are retained.
type VideoPolicy int

const (
	// LatestFrameOnly keeps only the most recently received frame.
	LatestFrameOnly VideoPolicy = iota
	// KeepAllFrames buffers every frame in arrival order.
	KeepAllFrames
)

func (p VideoPolicy) String() string {
	switch p {
	case LatestFrameOnly:
		return "LATEST_FRAME_ONLY"
	case KeepAllFrames:
		return "KEEP_ALL_FRAMES"
	}
	return "UNKNOWN_VIDEO_POLICY"
}

// RewardsPolicy selects how received rewards are retained.
type RewardsPolicy int

const (
	// LatestRewardOnly keeps only the most recently received reward.
	LatestRewardOnly RewardsPolicy = iota
	// SumRewards keeps a single reward that is the running sum of all
	// rewards received since the buffer was last cleared.
	SumRewards
	// KeepAllRewards buffers every reward in arrival order.
	KeepAllRewards
)

func (p RewardsPolicy) String() string {
	switch p {
	case LatestRewardOnly:
		return "LATEST_REWARD_ONLY"
	case SumRewards:
		return "SUM_REWARDS"
	case KeepAllRewards:
		return "KEEP_ALL_REWARDS"
	}
	return "UNKNOWN_REWARDS_POLICY"
}

// ObservationsPolicy selects how received observations are retained.
type ObservationsPolicy int

const (
	// LatestObservationOnly keeps only the most recent observation.
	LatestObservationOnly ObservationsPolicy = iota
	// KeepAllObservations buffers every observation in arrival order.
	KeepAllObservations
)

func (p ObservationsPolicy) String() string {
	switch p {
	case LatestObservationOnly:
		return "LATEST_OBSERVATION_ONLY"
	case KeepAllObservations:
		return "KEEP_ALL_OBSERVATIONS"
	}
	return "UNKNOWN_OBSERVATIONS_POLICY"
}

// ApplyVideo returns the new frame buffer after one arrival.
func ApplyVideo(p VideoPolicy, buffer []schemas.TimestampedVideoFrame, frame schemas.TimestampedVideoFrame) []schemas.TimestampedVideoFrame {
	switch p {
	case LatestFrameOnly:
		return []schemas.TimestampedVideoFrame{frame}
	default:
		return append(buffer, frame)
	}
}

// ApplyReward returns the new reward buffer after one arrival. Under
// SumRewards the buffer holds at most one entry: the running sum, carrying
// the timestamp of the latest arrival (even when its value is zero).
func ApplyReward(p RewardsPolicy, buffer []schemas.TimestampedReward, reward schemas.TimestampedReward) []schemas.TimestampedReward {
	switch p {
	case LatestRewardOnly:
		return []schemas.TimestampedReward{reward}
	case SumRewards:
		combined := schemas.NewTimestampedReward(reward.Timestamp, reward.Reward)
		if len(buffer) > 0 {
			combined.Reward.Add(buffer[0].Reward)
		}
		return []schemas.TimestampedReward{combined}
	default:
		return append(buffer, reward)
	}
}

// ApplyObservation returns the new observation buffer after one arrival.
func ApplyObservation(p ObservationsPolicy, buffer []schemas.TimestampedString, obs schemas.TimestampedString) []schemas.TimestampedString {
	switch p {
	case LatestObservationOnly:
		return []schemas.TimestampedString{obs}
	default:
		return append(buffer, obs)
	}
}
