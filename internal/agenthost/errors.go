// File: internal/agenthost/errors.go
// Description: Error kinds the host raises synchronously. Asynchronous
// ingestion faults are never returned; they land in WorldState.Errors.

package agenthost

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRole: the requested role index is outside [0, numAgents).
	ErrInvalidRole = errors.New("invalid role")

	// ErrInvalidVideoDimensions: requested video width is not divisible
	// by 4 or height not divisible by 2.
	ErrInvalidVideoDimensions = errors.New("invalid video dimensions")

	// ErrMissionAlreadyRunning: StartMission while a mission is active.
	ErrMissionAlreadyRunning = errors.New("a mission is already running")

	// ErrInsufficientClients: the reservation phase could not reserve
	// capacity for every agent in the mission.
	ErrInsufficientClients = errors.New("not enough clients available in the client pool")

	// ErrServerNotFound: no pool candidate knows the authoritative
	// server for this mission.
	ErrServerNotFound = errors.New("failed to find the server for this mission - you must start the agent that has role 0 first")

	// ErrNoClientAvailable: every pool candidate declined or ignored the
	// mission proposal.
	ErrNoClientAvailable = errors.New("failed to find an available client for this mission - tried all the clients in the supplied client pool")

	// ErrMalformedReply: a candidate produced a protocol-level reply that
	// does not parse. Unlike transport absence, this is a hard error.
	ErrMalformedReply = errors.New("received malformed reply")

	// ErrInternalGeneration: our own serialized mission document failed
	// re-validation. A programming defect, not a peer-input problem.
	ErrInternalGeneration = errors.New("internal error: generated mission document does not validate")

	// ErrCommandsPortUnknown: a MissionInit was adopted whose client
	// commands port is zero, so the command channel cannot be opened.
	ErrCommandsPortUnknown = errors.New("client commands port is unknown - has the mission started?")
)

// invalidRoleError distinguishes the single- and multi-agent wording.
func invalidRoleError(role, numAgents int) error {
	if numAgents == 1 {
		return fmt.Errorf("%w: role %d is invalid for this single-agent mission - must be 0", ErrInvalidRole, role)
	}
	return fmt.Errorf("%w: role %d is invalid for this multi-agent mission - must be in range 0-%d", ErrInvalidRole, role, numAgents-1)
}
