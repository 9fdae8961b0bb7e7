// File: internal/agenthost/negotiation.go
// Description: The three conditional negotiation phases: reserve capacity
// across the pool, discover the authoritative server, claim one executor.
// Transport absence of a candidate is never fatal; only protocol-level
// malformations are.

package agenthost

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/malmo-go/malmo/api/schemas"
	"github.com/malmo-go/malmo/internal/mission"
)

// Wire-protocol literals shared with the executor side.
const (
	requestClientPrefix = "MALMO_REQUEST_CLIENT:"
	cancelRequest       = "MALMO_CANCEL_REQUEST"
	findServerPrefix    = "MALMO_FIND_SERVER"
	serverReplyPrefix   = "MALMOS"
	okReply             = "MALMOOK"
)

// reserveClients broadcasts a reservation request across the pool in
// order until the required count is reached. On shortfall it best-effort
// cancels everything reserved so far and fails; the caller-visible pool
// is never mutated.
func (h *AgentHost) reserveClients(ctx context.Context, pool schemas.ClientPool, required int, experimentID string) (schemas.ClientPool, error) {
	var reserved schemas.ClientPool
	request := requestClientPrefix + mission.Version + ":" +
		strconv.Itoa(h.cfg.Protocol.ReservationTimeoutMs) + ":" + experimentID

	remaining := required
	for _, candidate := range pool.Clients {
		h.logger.Debug("sending reservation request", zap.String("client", candidate.String()))
		reply, err := h.rendezvous(ctx, candidate.Address, candidate.Port, request, h.cfg.Protocol.DialTimeout)
		if err != nil {
			// Expected quite often - the candidate is likely not running.
			h.logger.Debug("reservation candidate absent", zap.String("client", candidate.String()), zap.Error(err))
			continue
		}
		h.logger.Debug("reservation reply", zap.String("client", candidate.String()), zap.String("reply", reply))
		if strings.HasPrefix(reply, okReply) {
			reserved.Add(candidate)
			remaining--
			if remaining == 0 {
				return reserved, nil
			}
		}
	}

	// Shortfall: release everything we already reserved, then fail.
	for _, candidate := range reserved.Clients {
		h.logger.Debug("cancelling reservation", zap.String("client", candidate.String()))
		if _, err := h.rendezvous(ctx, candidate.Address, candidate.Port, cancelRequest, h.cfg.Protocol.DialTimeout); err != nil {
			// Unlike a failed reservation attempt, this peer just
			// accepted a reservation; log it and move on.
			h.logger.Warn("reservation cancellation failed", zap.String("client", candidate.String()), zap.Error(err))
		}
	}
	return schemas.ClientPool{}, fmt.Errorf("%w: needed %d for this mission", ErrInsufficientClients, required)
}

// findServer asks pool candidates in order where the authoritative server
// for this experiment lives and records the first answer into the mission
// init document.
func (h *AgentHost) findServer(ctx context.Context, pool schemas.ClientPool, init *mission.MissionInitSpec) error {
	request := findServerPrefix + init.ExperimentID()
	for _, candidate := range pool.Clients {
		h.logger.Debug("sending find server request", zap.String("client", candidate.String()))
		reply, err := h.rendezvous(ctx, candidate.Address, candidate.Port, request, h.cfg.Protocol.DialTimeout)
		if err != nil {
			h.logger.Debug("find server candidate absent", zap.String("client", candidate.String()), zap.Error(err))
			continue
		}
		h.logger.Debug("find server reply", zap.String("client", candidate.String()), zap.String("reply", reply))
		if !strings.HasPrefix(reply, serverReplyPrefix) {
			continue
		}
		address, portStr, ok := strings.Cut(reply[len(serverReplyPrefix):], ":")
		if !ok {
			return fmt.Errorf("%w: %s", ErrMalformedReply, reply)
		}
		port, err := strconv.Atoi(strings.TrimSpace(portStr))
		if err != nil {
			return fmt.Errorf("%w: %s", ErrMalformedReply, reply)
		}
		init.SetServerInformation(address, port)
		return nil
	}
	return ErrServerNotFound
}

// findClient proposes the mission to pool candidates until one accepts.
// The scan starts at index role%len(pool): agents started in role order
// then skip the executors their predecessors already claimed.
func (h *AgentHost) findClient(ctx context.Context, pool schemas.ClientPool, init *mission.MissionInitSpec, role int) error {
	numClients := len(pool.Clients)
	if numClients == 0 {
		return ErrNoClientAvailable
	}
	for i := 0; i < numClients; i++ {
		candidate := pool.Clients[(i+role)%numClients]
		init.SetClientAddress(candidate.Address)
		init.SetClientMissionControlPort(candidate.Port)

		xml, err := h.generateMissionInit(init)
		if err != nil {
			return err
		}
		h.logger.Debug("proposing mission", zap.String("client", candidate.String()))
		reply, err := h.rendezvous(ctx, candidate.Address, candidate.Port, xml, h.cfg.Protocol.DialTimeout)
		if err != nil {
			h.logger.Debug("mission proposal candidate absent", zap.String("client", candidate.String()), zap.Error(err))
			continue
		}
		h.logger.Debug("mission proposal reply", zap.String("client", candidate.String()), zap.String("reply", reply))
		// Expected replies include MALMOBUSY and MALMOERROR; anything
		// but an exact acceptance means "try the next candidate".
		if reply == okReply {
			return nil
		}
	}
	return ErrNoClientAvailable
}
