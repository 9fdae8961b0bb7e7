// File: internal/agenthost/handlers.go
// Description: The four inbound telemetry handlers. Each runs on a
// listener goroutine, takes the state lock, and applies its retention
// policy. Faults here are absorbed into the error log, never raised.

package agenthost

import (
	"github.com/malmo-go/malmo/api/schemas"
	"github.com/malmo-go/malmo/internal/mission"
	"github.com/malmo-go/malmo/internal/policy"
)

// payloadPrefix quotes the head of a raw payload in error entries.
func payloadPrefix(text string, n int) string {
	if len(text) > n {
		return text[:n]
	}
	return text
}

// onMissionControlMessage dispatches one control-stream document.
func (h *AgentHost) onMissionControlMessage(msg schemas.TimestampedString) {
	h.mu.Lock()
	defer h.mu.Unlock()

	root, err := mission.RootElementName(msg.Text)
	if err != nil {
		h.appendErrorLocked("Error parsing mission control message as XML: " + err.Error() + ":\n" + payloadPrefix(msg.Text, 20) + "...")
		return
	}
	if root == "" {
		h.appendErrorLocked("Empty XML string in mission control message")
		return
	}

	switch {
	case root == "MissionInit" && !h.worldState.IsMissionRunning:
		init, err := mission.ParseMissionInit(msg.Text, true)
		if err != nil {
			h.appendErrorLocked("Error parsing MissionInit message XML: " + err.Error() + ":" + payloadPrefix(msg.Text, 20) + "...")
			return
		}
		// The executor's copy is canonical: it carries the commands
		// port and any details decided after our proposal.
		h.missionInit = init
		h.worldState.IsMissionRunning = true
		h.worldState.HasMissionBegun = true
		if err := h.openCommandsConnectionLocked(); err != nil {
			h.appendErrorLocked(err.Error())
			return
		}

	case root == "MissionEnded":
		ended, err := mission.ParseMissionEnded(msg.Text)
		if err != nil {
			h.appendErrorLocked("Error parsing MissionEnded message XML: " + err.Error() + ":" + payloadPrefix(msg.Text, 20) + "...")
			return
		}
		if !ended.IsNormalStatus() {
			h.appendErrorLocked("Mission ended abnormally: " + ended.HumanReadableStatus)
		}
		if h.worldState.IsMissionRunning && ended.HasReward {
			final := schemas.NewTimestampedReward(msg.Timestamp, ended.Reward)
			h.processReceivedRewardLocked(final)
			if h.rewardsServer != nil {
				h.rewardsServer.RecordMessage(schemas.TimestampedString{
					Timestamp: msg.Timestamp,
					Text:      final.Reward.SimpleString(),
				})
			}
		}
		h.closeLocked()

	case root == "ping":
		// Liveness probe from the executor - nothing to do.

	default:
		h.appendErrorLocked("Unknown mission control message root node or at wrong time: " + root + " :" + payloadPrefix(msg.Text, 200) + "...")
	}

	// The control buffer is an append-only log; retention policies never
	// filter it.
	h.worldState.MissionControlMessages = append(h.worldState.MissionControlMessages, msg)
	h.worldState.NumberOfControlMessagesSinceLastState++
}

// openCommandsConnectionLocked dials the executor's command port recorded
// in the adopted MissionInit.
func (h *AgentHost) openCommandsConnectionLocked() error {
	port := h.missionInit.ClientCommandsPort()
	if port == 0 {
		return ErrCommandsPortUnknown
	}
	conn, err := h.newCommandConn(h.missionInit.ClientAddress(), port)
	if err != nil {
		return err
	}
	if h.commandsConnection != nil {
		h.commandsConnection.Close()
	}
	h.commandsConnection = conn
	return nil
}

// onReward parses one reward-stream payload.
func (h *AgentHost) onReward(msg schemas.TimestampedString) {
	h.mu.Lock()
	defer h.mu.Unlock()

	reward, err := schemas.ParseRewardString(msg.Text)
	if err != nil {
		h.appendErrorLocked("Error parsing Reward message: " + err.Error() + " : " + msg.Text)
		return
	}
	h.processReceivedRewardLocked(schemas.NewTimestampedReward(msg.Timestamp, reward))
}

// processReceivedRewardLocked applies the reward retention policy; used
// for both the reward stream and MissionEnded final rewards.
func (h *AgentHost) processReceivedRewardLocked(reward schemas.TimestampedReward) {
	h.worldState.Rewards = policy.ApplyReward(h.rewardsPolicy, h.worldState.Rewards, reward)
	h.worldState.NumberOfRewardsSinceLastState++
}

// onObservation buffers one observation-stream payload.
func (h *AgentHost) onObservation(msg schemas.TimestampedString) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.worldState.Observations = policy.ApplyObservation(h.observationsPolicy, h.worldState.Observations, msg)
	h.worldState.NumberOfObservationsSinceLastState++
}

// onVideo buffers one decoded frame.
func (h *AgentHost) onVideo(frame schemas.TimestampedVideoFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.worldState.VideoFrames = policy.ApplyVideo(h.videoPolicy, h.worldState.VideoFrames, frame)
	h.worldState.NumberOfVideoFramesSinceLastState++
}
