// File: internal/agenthost/agenthost.go
// Description: AgentHost is the client-side orchestration core: it reserves
// and claims an executor for a mission, aggregates the four inbound
// telemetry streams into a WorldState the consumer polls, and owns the
// outbound command channel.

package agenthost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/malmo-go/malmo/api/schemas"
	"github.com/malmo-go/malmo/internal/config"
	"github.com/malmo-go/malmo/internal/mission"
	"github.com/malmo-go/malmo/internal/policy"
	"github.com/malmo-go/malmo/internal/record"
	"github.com/malmo-go/malmo/internal/tcp"
)

// AgentHost drives one agent role of a mission. A single instance is
// reusable across consecutive missions but runs at most one at a time.
//
// The single state mutex guards the WorldState, the active mission init
// document and the command channel. Listener callbacks, the consumer's
// polls and SendCommand all serialize on it.
type AgentHost struct {
	cfg    config.Config
	logger *zap.Logger

	videoPolicy        policy.VideoPolicy
	rewardsPolicy      policy.RewardsPolicy
	observationsPolicy policy.ObservationsPolicy

	// Transport constructors, swappable in tests.
	newStringServer func(port int, cb func(schemas.TimestampedString)) (schemas.StringListener, error)
	newVideoServer  func(port, width, height, channels int, cb func(schemas.TimestampedVideoFrame)) (schemas.VideoListener, error)
	rendezvous      func(ctx context.Context, address string, port int, request string, timeout time.Duration) (string, error)
	newCommandConn  func(address string, port int) (schemas.CommandConnection, error)

	commandLimiter *rate.Limiter

	mu            sync.Mutex
	worldState    schemas.WorldState
	missionInit   *mission.MissionInitSpec
	missionRecord *record.MissionRecord
	negotiating   bool

	controlServer      schemas.StringListener
	rewardsServer      schemas.StringListener
	observationsServer schemas.StringListener
	videoServer        schemas.VideoListener

	commandsConnection schemas.CommandConnection
}

// Option adjusts an AgentHost at construction time.
type Option func(*AgentHost)

// WithVideoPolicy overrides the default LatestFrameOnly retention.
func WithVideoPolicy(p policy.VideoPolicy) Option {
	return func(h *AgentHost) { h.videoPolicy = p }
}

// WithRewardsPolicy overrides the default SumRewards retention.
func WithRewardsPolicy(p policy.RewardsPolicy) Option {
	return func(h *AgentHost) { h.rewardsPolicy = p }
}

// WithObservationsPolicy overrides the default LatestObservationOnly
// retention.
func WithObservationsPolicy(p policy.ObservationsPolicy) Option {
	return func(h *AgentHost) { h.observationsPolicy = p }
}

// New builds an AgentHost with the original default policies: latest
// video frame only, summed rewards, latest observation only.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) (*AgentHost, error) {
	if logger == nil {
		return nil, fmt.Errorf("cannot initialize agent host with nil logger")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &AgentHost{
		cfg:                cfg,
		logger:             logger.Named("agenthost"),
		videoPolicy:        policy.LatestFrameOnly,
		rewardsPolicy:      policy.SumRewards,
		observationsPolicy: policy.LatestObservationOnly,
		rendezvous:         tcp.Rendezvous,
	}
	h.newStringServer = func(port int, cb func(schemas.TimestampedString)) (schemas.StringListener, error) {
		return tcp.NewStringServer(port, cb, h.logger)
	}
	h.newVideoServer = func(port, width, height, channels int, cb func(schemas.TimestampedVideoFrame)) (schemas.VideoListener, error) {
		return tcp.NewVideoServer(port, width, height, channels, cb, h.logger)
	}
	h.newCommandConn = func(address string, port int) (schemas.CommandConnection, error) {
		return tcp.NewClientConnection(address, port, h.cfg.Protocol.DialTimeout, h.logger)
	}
	if cfg.Protocol.CommandsPerSecond > 0 {
		h.commandLimiter = rate.NewLimiter(rate.Limit(cfg.Protocol.CommandsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// StartMissionSimple runs a mission against a single local executor at
// the loopback address on the default port, role 0, empty experiment id.
func (h *AgentHost) StartMissionSimple(ctx context.Context, m *mission.MissionSpec, recordSpec record.MissionRecordSpec) error {
	var pool schemas.ClientPool
	pool.Add(schemas.NewClientInfo("127.0.0.1"))
	return h.StartMission(ctx, m, pool, recordSpec, 0, "")
}

// StartMission negotiates one mission role against the pool and returns
// once an executor has accepted it. On any failure the attempt leaves no
// reservations and no listeners behind.
func (h *AgentHost) StartMission(ctx context.Context, m *mission.MissionSpec, pool schemas.ClientPool, recordSpec record.MissionRecordSpec, role int, experimentID string) error {
	if err := mission.EnsureSchemasCompatible(h.cfg.Protocol.SchemaPath); err != nil {
		return err
	}
	if role < 0 || role >= m.NumberOfAgents() {
		return invalidRoleError(role, m.NumberOfAgents())
	}
	if m.IsVideoRequested(role) {
		if m.VideoWidth(role)%4 != 0 {
			return fmt.Errorf("%w: video width must be divisible by 4", ErrInvalidVideoDimensions)
		}
		if m.VideoHeight(role)%2 != 0 {
			return fmt.Errorf("%w: video height must be divisible by 2", ErrInvalidVideoDimensions)
		}
	}

	h.mu.Lock()
	if h.worldState.IsMissionRunning || h.negotiating {
		h.mu.Unlock()
		return ErrMissionAlreadyRunning
	}
	h.negotiating = true
	init, err := h.initializeOurServersLocked(m, recordSpec, role, experimentID)
	h.mu.Unlock()

	if err == nil {
		// The phases make blocking round trips, so the state lock is not
		// held here; inbound handlers stay responsive throughout.
		err = h.negotiate(ctx, init, m, pool, role)
	}

	h.mu.Lock()
	if err == nil && h.missionRecord.IsRecording() {
		xml, werr := init.ToXML(true)
		if werr == nil {
			werr = h.missionRecord.WriteMissionInit(xml)
		}
		if werr != nil {
			h.logger.Warn("failed to persist mission init document", zap.Error(werr))
		}
	}
	h.mu.Unlock()

	if err != nil {
		// A failed attempt leaves nothing behind: no reservations (the
		// reservation phase rolled back its own), no listeners, no
		// command channel, no recording sinks.
		h.Shutdown()
	}

	// The guard drops only after any teardown has finished, so the next
	// attempt cannot race the closing listeners.
	h.mu.Lock()
	h.negotiating = false
	h.mu.Unlock()

	if err != nil {
		return err
	}
	h.logger.Info("mission accepted",
		zap.Int("role", role),
		zap.String("experimentId", experimentID))
	return nil
}

// negotiate runs the conditional phases against the pool: reserve capacity
// when coordinating, discover the authoritative server when dependent,
// then claim one executor. It mutates only the local init document, never
// the shared state, so it runs without the state lock.
func (h *AgentHost) negotiate(ctx context.Context, init *mission.MissionInitSpec, m *mission.MissionSpec, pool schemas.ClientPool, role int) error {
	activePool := pool
	if m.NumberOfAgents() > 1 && role == 0 {
		// We coordinate this multi-agent mission: our mission starts
		// before the others, so we reserve capacity for everyone.
		reserved, err := h.reserveClients(ctx, pool, m.NumberOfAgents(), init.ExperimentID())
		if err != nil {
			return err
		}
		activePool = reserved
	}
	if m.NumberOfAgents() > 1 && role > 0 && !init.HasServerInformation() {
		// A dependent role: ask around until somebody tells us where
		// the authoritative server lives.
		if err := h.findServer(ctx, activePool, init); err != nil {
			return err
		}
	}
	return h.findClient(ctx, activePool, init, role)
}

// initializeOurServersLocked resets the snapshot, builds the fresh
// negotiation record, starts or reuses the inbound listeners and points
// the document at their bound ports. Called with the state lock held.
func (h *AgentHost) initializeOurServersLocked(m *mission.MissionSpec, recordSpec record.MissionRecordSpec, role int, experimentID string) (*mission.MissionInitSpec, error) {
	// The executor decides when the mission actually begins (it may wait
	// for the other agents); both flags stay false until its MissionInit
	// arrives on the control stream, possibly before negotiation returns.
	h.worldState.Clear()

	init := mission.NewMissionInitSpec(m, experimentID, role)
	h.missionInit = init

	rec, err := record.NewMissionRecord(recordSpec)
	if err != nil {
		return nil, err
	}
	if h.missionRecord != nil {
		h.missionRecord.Close()
	}
	h.missionRecord = rec

	if err := h.listenForMissionControlMessages(init.AgentMissionControlPort()); err != nil {
		return nil, err
	}
	if m.IsVideoRequested(role) {
		if err := h.listenForVideo(init.AgentVideoPort(),
			m.VideoWidth(role), m.VideoHeight(role), m.VideoChannels(role)); err != nil {
			return nil, err
		}
	}
	if err := h.listenForRewards(init.AgentRewardsPort()); err != nil {
		return nil, err
	}
	if err := h.listenForObservations(init.AgentObservationsPort()); err != nil {
		return nil, err
	}
	if err := h.missionRecord.OpenCommandLog(); err != nil {
		return nil, err
	}

	// Port 0 requests meant "any free port"; publish what was bound.
	init.SetAgentMissionControlPort(h.controlServer.Port())
	init.SetAgentObservationsPort(h.observationsServer.Port())
	init.SetAgentRewardsPort(h.rewardsServer.Port())
	if h.videoServer != nil {
		init.SetAgentVideoPort(h.videoServer.Port())
	}
	return init, nil
}

func (h *AgentHost) listenForMissionControlMessages(port int) error {
	if h.controlServer != nil && (port == 0 || h.controlServer.Port() == port) {
		return nil // reuse the existing listener
	}
	if h.controlServer != nil {
		h.closeListener(h.controlServer)
	}
	server, err := h.newStringServer(port, h.onMissionControlMessage)
	if err != nil {
		return err
	}
	h.controlServer = server
	return nil
}

func (h *AgentHost) listenForVideo(port, width, height, channels int) error {
	reuse := h.videoServer != nil &&
		(port == 0 || h.videoServer.Port() == port) &&
		h.videoServer.Width() == width &&
		h.videoServer.Height() == height &&
		h.videoServer.Channels() == channels
	if !reuse {
		if h.videoServer != nil {
			h.closeVideoListener(h.videoServer)
		}
		server, err := h.newVideoServer(port, width, height, channels, h.onVideo)
		if err != nil {
			return err
		}
		h.videoServer = server
	}
	if h.missionRecord.IsRecordingVideo() {
		return h.videoServer.StartRecording(h.missionRecord.VideoPath())
	}
	return nil
}

func (h *AgentHost) listenForRewards(port int) error {
	if h.rewardsServer == nil || (port != 0 && h.rewardsServer.Port() != port) {
		if h.rewardsServer != nil {
			h.closeListener(h.rewardsServer)
		}
		server, err := h.newStringServer(port, h.onReward)
		if err != nil {
			return err
		}
		h.rewardsServer = server
	}
	if h.missionRecord.IsRecordingRewards() {
		return h.rewardsServer.Record(h.missionRecord.RewardsPath())
	}
	return nil
}

func (h *AgentHost) listenForObservations(port int) error {
	if h.observationsServer == nil || (port != 0 && h.observationsServer.Port() != port) {
		if h.observationsServer != nil {
			h.closeListener(h.observationsServer)
		}
		server, err := h.newStringServer(port, h.onObservation)
		if err != nil {
			return err
		}
		h.observationsServer = server
	}
	if h.missionRecord.IsRecordingObservations() {
		return h.observationsServer.Record(h.missionRecord.ObservationsPath())
	}
	return nil
}

// closeListener shuts a listener down without blocking on its callback
// goroutines while the state lock is held.
func (h *AgentHost) closeListener(l schemas.StringListener) {
	go func() {
		if err := l.Close(); err != nil {
			h.logger.Warn("listener close failed", zap.Error(err))
		}
	}()
}

func (h *AgentHost) closeVideoListener(l schemas.VideoListener) {
	go func() {
		if err := l.Close(); err != nil {
			h.logger.Warn("video listener close failed", zap.Error(err))
		}
	}()
}

// generateMissionInit serializes the document and re-parses it through
// the validating parser; its own output failing validation is a defect,
// reported as ErrInternalGeneration.
func (h *AgentHost) generateMissionInit(init *mission.MissionInitSpec) (string, error) {
	xml, err := init.ToXML(false)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternalGeneration, err)
	}
	if _, err := mission.ParseMissionInit(xml, true); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternalGeneration, err)
	}
	return xml, nil
}

// PeekWorldState returns a copy of the current snapshot without mutation.
func (h *AgentHost) PeekWorldState() schemas.WorldState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.worldState.Copy()
}

// GetWorldState returns the current snapshot and resets it: buffers,
// counters and errors are emptied, but the two lifecycle flags carry
// forward. Polling never ends or restarts a mission.
func (h *AgentHost) GetWorldState() schemas.WorldState {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.worldState.Copy()
	h.worldState.Clear()
	h.worldState.IsMissionRunning = old.IsMissionRunning
	h.worldState.HasMissionBegun = old.HasMissionBegun
	return old
}

// RecordingTemporaryDirectory returns the active recording destination,
// or "" when not recording.
func (h *AgentHost) RecordingTemporaryDirectory() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.missionRecord == nil || !h.missionRecord.IsRecording() {
		return ""
	}
	return h.missionRecord.Spec().Destination
}

// SendCommand pushes one command to the executor. Failures never abort
// the mission; they surface as WorldState error entries.
func (h *AgentHost) SendCommand(command string) {
	if h.commandLimiter != nil {
		if err := h.commandLimiter.Wait(context.Background()); err != nil {
			return
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.commandsConnection == nil {
		h.appendErrorLocked("SendCommand: commands connection is not open. Is the mission running?")
		return
	}
	if err := h.commandsConnection.Send(command); err != nil {
		h.appendErrorLocked("SendCommand: failed to send command: " + err.Error())
		return
	}
	if h.missionRecord != nil {
		h.missionRecord.LogCommand(time.Now().UTC(), command)
	}
}

// Close ends the host's participation in the current mission: clears the
// running flag, stops recording on the media listeners, closes the
// command log and releases the command channel. Idempotent; the listeners
// themselves stay up for reuse by the next mission.
func (h *AgentHost) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked()
}

func (h *AgentHost) closeLocked() {
	h.worldState.IsMissionRunning = false
	if h.videoServer != nil {
		h.videoServer.StopRecording()
	}
	if h.observationsServer != nil {
		h.observationsServer.StopRecording()
	}
	if h.rewardsServer != nil {
		h.rewardsServer.StopRecording()
	}
	if h.missionRecord != nil {
		h.missionRecord.Close()
	}
	if h.commandsConnection != nil {
		if err := h.commandsConnection.Close(); err != nil {
			h.logger.Debug("commands connection close", zap.Error(err))
		}
		h.commandsConnection = nil
	}
}

// Shutdown tears the host down completely: Close plus stopping every
// listener and joining their goroutines. No callback fires after it
// returns. The host must not be reused afterwards.
func (h *AgentHost) Shutdown() {
	h.mu.Lock()
	h.closeLocked()
	control, rewards, observations := h.controlServer, h.rewardsServer, h.observationsServer
	video := h.videoServer
	h.controlServer, h.rewardsServer, h.observationsServer, h.videoServer = nil, nil, nil, nil
	h.mu.Unlock()

	// Listener Close joins callback goroutines that may be waiting on
	// the state lock, so it must happen outside it.
	for _, l := range []schemas.StringListener{control, rewards, observations} {
		if l != nil {
			if err := l.Close(); err != nil {
				h.logger.Warn("listener close failed", zap.Error(err))
			}
		}
	}
	if video != nil {
		if err := video.Close(); err != nil {
			h.logger.Warn("video listener close failed", zap.Error(err))
		}
	}
}

// appendErrorLocked records an absorbed fault for the consumer's next
// poll. Called with the state lock held.
func (h *AgentHost) appendErrorLocked(text string) {
	h.worldState.Errors = append(h.worldState.Errors, schemas.NewTimestampedString(text))
	h.logger.Debug("absorbed error", zap.String("error", text))
}
