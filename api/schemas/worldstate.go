// File: api/schemas/worldstate.go
package schemas

// WorldState is the aggregated snapshot a consumer polls from the agent
// host: everything that arrived on the four telemetry streams since the
// last poll, plus the mission lifecycle flags and any absorbed errors.
//
// The host owns the live instance behind its state mutex. Consumers only
// ever see independent copies, so iterating a returned WorldState can
// never race with the listener callbacks.
type WorldState struct {
	HasMissionBegun  bool
	IsMissionRunning bool

	// Arrival counters since the last GetWorldState call. These count
	// arrivals, not buffer occupancy: a LatestOnly policy that discards
	// frames still advances the counter.
	NumberOfVideoFramesSinceLastState     int
	NumberOfRewardsSinceLastState         int
	NumberOfObservationsSinceLastState    int
	NumberOfControlMessagesSinceLastState int

	VideoFrames            []TimestampedVideoFrame
	Rewards                []TimestampedReward
	Observations           []TimestampedString
	MissionControlMessages []TimestampedString
	Errors                 []TimestampedString
}

// Clear empties every buffer and counter and drops both lifecycle flags.
// GetWorldState restores the two flags after clearing; a consumer poll
// must never look like a mission ending.
func (w *WorldState) Clear() {
	*w = WorldState{}
}

// Copy returns a deep copy: slice headers and backing arrays are fresh,
// so the caller can hold the result while the host keeps mutating.
func (w *WorldState) Copy() WorldState {
	out := *w
	if w.VideoFrames != nil {
		out.VideoFrames = make([]TimestampedVideoFrame, len(w.VideoFrames))
		for i, f := range w.VideoFrames {
			f.Pixels = append([]byte(nil), f.Pixels...)
			out.VideoFrames[i] = f
		}
	}
	if w.Rewards != nil {
		out.Rewards = make([]TimestampedReward, len(w.Rewards))
		for i, r := range w.Rewards {
			out.Rewards[i] = NewTimestampedReward(r.Timestamp, r.Reward)
		}
	}
	out.Observations = append([]TimestampedString(nil), w.Observations...)
	out.MissionControlMessages = append([]TimestampedString(nil), w.MissionControlMessages...)
	out.Errors = append([]TimestampedString(nil), w.Errors...)
	return out
}
