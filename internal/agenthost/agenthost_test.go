// File: internal/agenthost/agenthost_test.go
package agenthost

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/malmo-go/malmo/api/schemas"
	"github.com/malmo-go/malmo/internal/config"
	"github.com/malmo-go/malmo/internal/mission"
	"github.com/malmo-go/malmo/internal/policy"
	"github.com/malmo-go/malmo/internal/record"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- fake transport collaborators -----------------------------------------

type fakeListener struct {
	mu       sync.Mutex
	port     int
	path     string
	recorded []schemas.TimestampedString
	closed   bool
}

func (f *fakeListener) Port() int { return f.port }

func (f *fakeListener) Record(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.path = path
	return nil
}

func (f *fakeListener) RecordMessage(msg schemas.TimestampedString) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, msg)
}

func (f *fakeListener) StopRecording() {}

func (f *fakeListener) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeListener) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeListener) recordedMessages() []schemas.TimestampedString {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schemas.TimestampedString(nil), f.recorded...)
}

type fakeVideoListener struct {
	fakeListener
	width    int
	height   int
	channels int
}

func (f *fakeVideoListener) Width() int    { return f.width }
func (f *fakeVideoListener) Height() int   { return f.height }
func (f *fakeVideoListener) Channels() int { return f.channels }

func (f *fakeVideoListener) StartRecording(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.path = path
	return nil
}

type fakeConn struct {
	mu      sync.Mutex
	target  string
	sent    []string
	sendErr error
	closed  bool
}

func (f *fakeConn) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type rendezvousCall struct {
	target  string
	request string
}

// fakeTransport substitutes every socket with in-memory fakes and records
// each rendezvous exchange in order.
type fakeTransport struct {
	mu        sync.Mutex
	nextPort  int
	listeners []*fakeListener
	videos    []*fakeVideoListener
	conns     []*fakeConn
	calls     []rendezvousCall
	reply     func(target, request string) (string, error)
}

func installFakeTransport(h *AgentHost) *fakeTransport {
	ft := &fakeTransport{
		nextPort: 20000,
		reply: func(target, request string) (string, error) {
			return "", errors.New("connection refused")
		},
	}
	h.newStringServer = func(port int, cb func(schemas.TimestampedString)) (schemas.StringListener, error) {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		if port == 0 {
			ft.nextPort++
			port = ft.nextPort
		}
		l := &fakeListener{port: port}
		ft.listeners = append(ft.listeners, l)
		return l, nil
	}
	h.newVideoServer = func(port, width, height, channels int, cb func(schemas.TimestampedVideoFrame)) (schemas.VideoListener, error) {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		if port == 0 {
			ft.nextPort++
			port = ft.nextPort
		}
		l := &fakeVideoListener{fakeListener: fakeListener{port: port}, width: width, height: height, channels: channels}
		ft.videos = append(ft.videos, l)
		return l, nil
	}
	h.rendezvous = func(ctx context.Context, address string, port int, request string, timeout time.Duration) (string, error) {
		target := net.JoinHostPort(address, strconv.Itoa(port))
		ft.mu.Lock()
		ft.calls = append(ft.calls, rendezvousCall{target: target, request: request})
		reply := ft.reply
		ft.mu.Unlock()
		return reply(target, request)
	}
	h.newCommandConn = func(address string, port int) (schemas.CommandConnection, error) {
		conn := &fakeConn{target: net.JoinHostPort(address, strconv.Itoa(port))}
		ft.mu.Lock()
		ft.conns = append(ft.conns, conn)
		ft.mu.Unlock()
		return conn, nil
	}
	return ft
}

// requests returns the recorded rendezvous exchanges matching a request
// prefix, in call order.
func (ft *fakeTransport) requests(prefix string) []rendezvousCall {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []rendezvousCall
	for _, call := range ft.calls {
		if strings.HasPrefix(call.request, prefix) {
			out = append(out, call)
		}
	}
	return out
}

func newTestHost(t *testing.T, opts ...Option) *AgentHost {
	t.Helper()
	h, err := New(config.Default(), zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(h.Shutdown)
	return h
}

func testPool(ports ...int) schemas.ClientPool {
	var pool schemas.ClientPool
	for _, port := range ports {
		pool.Add(schemas.ClientInfo{Address: "127.0.0.1", Port: port})
	}
	return pool
}

// acceptAll scripts every candidate to reserve and accept.
func acceptAll(target, request string) (string, error) {
	return "MALMOOK", nil
}

// controlMissionInit builds the canonical document an executor pushes on
// the control stream once it starts the mission.
func controlMissionInit(t *testing.T, commandsPort int) string {
	t.Helper()
	init := mission.NewMissionInitSpec(mission.NewMissionSpec(), "exp", 0)
	xml, err := init.ToXML(false)
	require.NoError(t, err)
	return strings.Replace(xml,
		"<ClientCommandsPort>0</ClientCommandsPort>",
		"<ClientCommandsPort>"+strconv.Itoa(commandsPort)+"</ClientCommandsPort>", 1)
}

// --- construction and argument validation ----------------------------------

func TestNewRejectsNilLoggerAndBadConfig(t *testing.T) {
	_, err := New(config.Default(), nil)
	assert.Error(t, err)

	bad := config.Default()
	bad.Protocol.DialTimeout = 0
	_, err = New(bad, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestStartMissionRejectsInvalidRole(t *testing.T) {
	h := newTestHost(t)
	ft := installFakeTransport(h)

	single := mission.NewMissionSpec()
	err := h.StartMission(context.Background(), single, testPool(10001), record.MissionRecordSpec{}, 1, "")
	require.ErrorIs(t, err, ErrInvalidRole)
	assert.Contains(t, err.Error(), "single-agent")

	err = h.StartMission(context.Background(), single, testPool(10001), record.MissionRecordSpec{}, -1, "")
	require.ErrorIs(t, err, ErrInvalidRole)

	multi := mission.NewMissionSpec()
	multi.AddAgent("Agent1")
	err = h.StartMission(context.Background(), multi, testPool(10001), record.MissionRecordSpec{}, 2, "")
	require.ErrorIs(t, err, ErrInvalidRole)
	assert.Contains(t, err.Error(), "range 0-1")

	// Validation fails before any listener exists or candidate is contacted.
	assert.Empty(t, ft.listeners)
	assert.Empty(t, ft.calls)
}

func TestStartMissionRejectsInvalidVideoDimensions(t *testing.T) {
	h := newTestHost(t)
	ft := installFakeTransport(h)

	m := mission.NewMissionSpec()
	m.RequestVideo(430, 240)
	err := h.StartMission(context.Background(), m, testPool(10001), record.MissionRecordSpec{}, 0, "")
	require.ErrorIs(t, err, ErrInvalidVideoDimensions)
	assert.Contains(t, err.Error(), "divisible by 4")

	m.RequestVideo(432, 241)
	err = h.StartMission(context.Background(), m, testPool(10001), record.MissionRecordSpec{}, 0, "")
	require.ErrorIs(t, err, ErrInvalidVideoDimensions)
	assert.Contains(t, err.Error(), "divisible by 2")

	assert.Empty(t, ft.listeners)
	assert.Empty(t, ft.videos)
}

func TestStartMissionWhileRunning(t *testing.T) {
	h := newTestHost(t)
	installFakeTransport(h)
	h.worldState.IsMissionRunning = true

	err := h.StartMission(context.Background(), mission.NewMissionSpec(), testPool(10001), record.MissionRecordSpec{}, 0, "")
	assert.ErrorIs(t, err, ErrMissionAlreadyRunning)
}

// --- negotiation -----------------------------------------------------------

func TestStartMissionSingleAgentProposesAndAccepts(t *testing.T) {
	h := newTestHost(t)
	ft := installFakeTransport(h)
	ft.reply = acceptAll

	err := h.StartMission(context.Background(), mission.NewMissionSpec(), testPool(10001), record.MissionRecordSpec{}, 0, "exp-1")
	require.NoError(t, err)

	// Single-agent missions skip reservation and server discovery.
	assert.Empty(t, ft.requests("MALMO_REQUEST_CLIENT:"))
	assert.Empty(t, ft.requests("MALMO_FIND_SERVER"))
	proposals := ft.requests("<MissionInit")
	require.Len(t, proposals, 1)
	assert.Equal(t, "127.0.0.1:10001", proposals[0].target)
	assert.Contains(t, proposals[0].request, "<ExperimentUID>exp-1</ExperimentUID>")

	// The proposal advertises the listeners' bound ports.
	require.Len(t, ft.listeners, 3)
	for _, l := range ft.listeners {
		assert.Contains(t, proposals[0].request, ">"+strconv.Itoa(l.Port())+"<")
	}

	ws := h.PeekWorldState()
	assert.False(t, ws.IsMissionRunning, "running starts only when the executor says so")
	assert.False(t, ws.HasMissionBegun)
}

func TestStartMissionReservesCapacityForEveryRole(t *testing.T) {
	h := newTestHost(t)
	ft := installFakeTransport(h)
	ft.reply = func(target, request string) (string, error) {
		switch {
		case strings.HasPrefix(request, "MALMO_REQUEST_CLIENT:"):
			if target == "127.0.0.1:10002" {
				return "", errors.New("connection refused")
			}
			return "MALMOOK", nil
		case strings.HasPrefix(request, "<MissionInit"):
			if target == "127.0.0.1:10001" {
				return "MALMOOK", nil
			}
			return "MALMOBUSY", nil
		}
		return "", errors.New("unexpected request")
	}

	m := mission.NewMissionSpec()
	m.AddAgent("Agent1")
	err := h.StartMission(context.Background(), m, testPool(10001, 10002, 10003), record.MissionRecordSpec{}, 0, "exp-2")
	require.NoError(t, err)

	reservations := ft.requests("MALMO_REQUEST_CLIENT:")
	require.Len(t, reservations, 3)
	assert.Equal(t, "MALMO_REQUEST_CLIENT:"+mission.Version+":20000:exp-2", reservations[0].request)
	assert.Equal(t, "127.0.0.1:10001", reservations[0].target)
	assert.Equal(t, "127.0.0.1:10002", reservations[1].target)
	assert.Equal(t, "127.0.0.1:10003", reservations[2].target)

	// The proposal scan covers only the reserved candidates.
	proposals := ft.requests("<MissionInit")
	require.Len(t, proposals, 1)
	assert.Equal(t, "127.0.0.1:10001", proposals[0].target)
}

func TestReservationShortfallRollsBack(t *testing.T) {
	h := newTestHost(t)
	ft := installFakeTransport(h)
	ft.reply = func(target, request string) (string, error) {
		if strings.HasPrefix(request, "MALMO_REQUEST_CLIENT:") && target == "127.0.0.1:10001" {
			return "MALMOOK", nil
		}
		if request == "MALMO_CANCEL_REQUEST" {
			return "MALMOOK", nil
		}
		return "", errors.New("connection refused")
	}

	m := mission.NewMissionSpec()
	m.AddAgent("Agent1")
	m.AddAgent("Agent2")
	err := h.StartMission(context.Background(), m, testPool(10001, 10002), record.MissionRecordSpec{}, 0, "")
	require.ErrorIs(t, err, ErrInsufficientClients)

	cancels := ft.requests("MALMO_CANCEL_REQUEST")
	require.Len(t, cancels, 1)
	assert.Equal(t, "127.0.0.1:10001", cancels[0].target)
	assert.Empty(t, ft.requests("<MissionInit"))

	// A failed attempt tears its listeners down.
	for _, l := range ft.listeners {
		assert.True(t, l.isClosed())
	}
}

func TestDependentRoleDiscoversServer(t *testing.T) {
	h := newTestHost(t)
	ft := installFakeTransport(h)
	ft.reply = func(target, request string) (string, error) {
		switch {
		case strings.HasPrefix(request, "MALMO_FIND_SERVER"):
			if target == "127.0.0.1:10001" {
				return "", errors.New("connection refused")
			}
			return "MALMOS10.0.0.5:12345", nil
		case strings.HasPrefix(request, "<MissionInit"):
			return "MALMOOK", nil
		}
		return "", errors.New("unexpected request")
	}

	m := mission.NewMissionSpec()
	m.AddAgent("Agent1")
	err := h.StartMission(context.Background(), m, testPool(10001, 10002), record.MissionRecordSpec{}, 1, "exp-3")
	require.NoError(t, err)

	finds := ft.requests("MALMO_FIND_SERVER")
	require.Len(t, finds, 2)
	assert.Equal(t, "MALMO_FIND_SERVERexp-3", finds[0].request)

	require.True(t, h.missionInit.HasServerInformation())
	assert.Equal(t, "10.0.0.5", h.missionInit.ServerAddress())
	assert.Equal(t, 12345, h.missionInit.ServerPort())

	// Role 1 over a pool of 2 starts its proposal scan at index 1.
	proposals := ft.requests("<MissionInit")
	require.NotEmpty(t, proposals)
	assert.Equal(t, "127.0.0.1:10002", proposals[0].target)
	assert.Contains(t, proposals[0].request, `<MinecraftServerConnection address="10.0.0.5" port="12345"/>`)
}

func TestFindServerMalformedReply(t *testing.T) {
	h := newTestHost(t)
	ft := installFakeTransport(h)
	ft.reply = func(target, request string) (string, error) {
		if strings.HasPrefix(request, "MALMO_FIND_SERVER") {
			return "MALMOSno-port-here", nil
		}
		return "", errors.New("unexpected request")
	}

	m := mission.NewMissionSpec()
	m.AddAgent("Agent1")
	err := h.StartMission(context.Background(), m, testPool(10001), record.MissionRecordSpec{}, 1, "")
	assert.ErrorIs(t, err, ErrMalformedReply)
}

func TestFindServerNobodyKnows(t *testing.T) {
	h := newTestHost(t)
	installFakeTransport(h)

	m := mission.NewMissionSpec()
	m.AddAgent("Agent1")
	err := h.StartMission(context.Background(), m, testPool(10001, 10002), record.MissionRecordSpec{}, 1, "")
	require.ErrorIs(t, err, ErrServerNotFound)
	assert.Contains(t, err.Error(), "role 0")
}

func TestFindClientScanOrderAndExhaustion(t *testing.T) {
	h := newTestHost(t)
	ft := installFakeTransport(h)
	ft.reply = func(target, request string) (string, error) {
		if target == "127.0.0.1:10001" {
			return "MALMOOK", nil
		}
		return "MALMOBUSY", nil
	}

	m := mission.NewMissionSpec()
	for i := 1; i < 4; i++ {
		m.AddAgent("Agent" + strconv.Itoa(i))
	}
	init := mission.NewMissionInitSpec(m, "exp", 2)

	err := h.findClient(context.Background(), testPool(10001, 10002, 10003, 10004), init, 2)
	require.NoError(t, err)

	proposals := ft.requests("<MissionInit")
	require.Len(t, proposals, 3)
	assert.Equal(t, "127.0.0.1:10003", proposals[0].target)
	assert.Equal(t, "127.0.0.1:10004", proposals[1].target)
	assert.Equal(t, "127.0.0.1:10001", proposals[2].target)

	// Everybody busy: the scan exhausts the pool and fails.
	ft.reply = func(target, request string) (string, error) { return "MALMOBUSY", nil }
	err = h.findClient(context.Background(), testPool(10001, 10002), init, 2)
	assert.ErrorIs(t, err, ErrNoClientAvailable)

	err = h.findClient(context.Background(), schemas.ClientPool{}, init, 2)
	assert.ErrorIs(t, err, ErrNoClientAvailable)
}

func TestListenersAreReusedAcrossMissions(t *testing.T) {
	h := newTestHost(t)
	ft := installFakeTransport(h)
	ft.reply = acceptAll

	m := mission.NewMissionSpec()
	require.NoError(t, h.StartMission(context.Background(), m, testPool(10001), record.MissionRecordSpec{}, 0, ""))
	require.Len(t, ft.listeners, 3)

	h.Close()
	require.NoError(t, h.StartMission(context.Background(), m, testPool(10001), record.MissionRecordSpec{}, 0, ""))

	assert.Len(t, ft.listeners, 3, "port-0 listeners carry over to the next mission")
	for _, l := range ft.listeners {
		assert.False(t, l.isClosed())
	}
}

// --- control stream handling -------------------------------------------------

func TestControlMissionInitStartsMission(t *testing.T) {
	h := newTestHost(t)
	ft := installFakeTransport(h)

	h.onMissionControlMessage(schemas.NewTimestampedString(controlMissionInit(t, 17777)))

	ws := h.PeekWorldState()
	assert.True(t, ws.IsMissionRunning)
	assert.True(t, ws.HasMissionBegun)
	assert.Empty(t, ws.Errors)
	assert.Len(t, ws.MissionControlMessages, 1)
	assert.Equal(t, 1, ws.NumberOfControlMessagesSinceLastState)

	require.Len(t, ft.conns, 1)
	assert.Equal(t, "127.0.0.1:17777", ft.conns[0].target)
}

func TestControlMissionInitWithoutCommandsPort(t *testing.T) {
	h := newTestHost(t)
	ft := installFakeTransport(h)

	h.onMissionControlMessage(schemas.NewTimestampedString(controlMissionInit(t, 0)))

	ws := h.PeekWorldState()
	require.Len(t, ws.Errors, 1)
	assert.Contains(t, ws.Errors[0].Text, "commands port")
	assert.Empty(t, ws.MissionControlMessages)
	assert.Empty(t, ft.conns)
}

func TestControlMissionInitAtWrongTime(t *testing.T) {
	h := newTestHost(t)
	installFakeTransport(h)
	h.worldState.IsMissionRunning = true

	h.onMissionControlMessage(schemas.NewTimestampedString(controlMissionInit(t, 17777)))

	ws := h.PeekWorldState()
	require.Len(t, ws.Errors, 1)
	assert.Contains(t, ws.Errors[0].Text, "at wrong time")
	// Even an unexpected document is kept for the consumer to inspect.
	assert.Len(t, ws.MissionControlMessages, 1)
}

func TestControlUnparsableAndEmptyMessages(t *testing.T) {
	h := newTestHost(t)
	installFakeTransport(h)

	h.onMissionControlMessage(schemas.NewTimestampedString("<MissionInit"))
	h.onMissionControlMessage(schemas.NewTimestampedString(""))

	ws := h.PeekWorldState()
	require.Len(t, ws.Errors, 2)
	assert.Contains(t, ws.Errors[0].Text, "Error parsing mission control message")
	assert.Contains(t, ws.Errors[1].Text, "Empty XML string")
	assert.Empty(t, ws.MissionControlMessages)
	assert.Equal(t, 0, ws.NumberOfControlMessagesSinceLastState)
}

func TestControlPingIsSilent(t *testing.T) {
	h := newTestHost(t)
	installFakeTransport(h)

	h.onMissionControlMessage(schemas.NewTimestampedString("<ping/>"))

	ws := h.PeekWorldState()
	assert.Empty(t, ws.Errors)
	assert.Len(t, ws.MissionControlMessages, 1)
}

func TestControlMissionEndedStopsMissionAndForwardsReward(t *testing.T) {
	h := newTestHost(t)
	ft := installFakeTransport(h)

	h.onMissionControlMessage(schemas.NewTimestampedString(controlMissionInit(t, 17777)))
	require.Len(t, ft.conns, 1)

	rewards := &fakeListener{port: 20001}
	h.rewardsServer = rewards

	ended := `<MissionEnded><Status>ENDED</Status><HumanReadableStatus>done</HumanReadableStatus>` +
		`<Reward><Value dimension="0">100</Value></Reward></MissionEnded>`
	h.onMissionControlMessage(schemas.NewTimestampedString(ended))

	ws := h.PeekWorldState()
	assert.False(t, ws.IsMissionRunning)
	assert.True(t, ws.HasMissionBegun, "begun stays latched until the next poll cycle")
	assert.Empty(t, ws.Errors)
	assert.Len(t, ws.MissionControlMessages, 2)

	require.Len(t, ws.Rewards, 1)
	assert.InDelta(t, 100.0, ws.Rewards[0].Reward.Value(0), 1e-9)

	// The final reward also lands in the rewards stream's recording sink.
	recorded := rewards.recordedMessages()
	require.Len(t, recorded, 1)
	assert.Equal(t, "0:100", recorded[0].Text)

	assert.True(t, ft.conns[0].closed)
	assert.Nil(t, h.commandsConnection)
}

func TestControlMissionEndedAbnormalStatus(t *testing.T) {
	h := newTestHost(t)
	installFakeTransport(h)
	h.worldState.IsMissionRunning = true
	h.worldState.HasMissionBegun = true

	ended := `<MissionEnded><Status>MOD_CRASHED</Status><HumanReadableStatus>mod crashed</HumanReadableStatus></MissionEnded>`
	h.onMissionControlMessage(schemas.NewTimestampedString(ended))

	ws := h.PeekWorldState()
	assert.False(t, ws.IsMissionRunning)
	require.Len(t, ws.Errors, 1)
	assert.Contains(t, ws.Errors[0].Text, "Mission ended abnormally: mod crashed")
	assert.Empty(t, ws.Rewards)
}

func TestControlUnknownRootIsKeptWithError(t *testing.T) {
	h := newTestHost(t)
	installFakeTransport(h)

	h.onMissionControlMessage(schemas.NewTimestampedString("<Weather>sunny</Weather>"))

	ws := h.PeekWorldState()
	require.Len(t, ws.Errors, 1)
	assert.Contains(t, ws.Errors[0].Text, "Unknown mission control message root node or at wrong time: Weather")
	assert.Len(t, ws.MissionControlMessages, 1)
	assert.Equal(t, 1, ws.NumberOfControlMessagesSinceLastState)
}

// --- telemetry handlers ------------------------------------------------------

func TestOnRewardSumsByDefault(t *testing.T) {
	h := newTestHost(t)
	installFakeTransport(h)

	h.onReward(schemas.NewTimestampedString("0:10"))
	h.onReward(schemas.NewTimestampedString("0:5,1:2"))

	ws := h.PeekWorldState()
	require.Len(t, ws.Rewards, 1)
	assert.InDelta(t, 15.0, ws.Rewards[0].Reward.Value(0), 1e-9)
	assert.InDelta(t, 2.0, ws.Rewards[0].Reward.Value(1), 1e-9)
	assert.Equal(t, 2, ws.NumberOfRewardsSinceLastState)
}

func TestOnRewardMalformedPayload(t *testing.T) {
	h := newTestHost(t)
	installFakeTransport(h)

	h.onReward(schemas.NewTimestampedString("bogus"))

	ws := h.PeekWorldState()
	require.Len(t, ws.Errors, 1)
	assert.Contains(t, ws.Errors[0].Text, "Error parsing Reward message")
	assert.Empty(t, ws.Rewards)
	assert.Equal(t, 0, ws.NumberOfRewardsSinceLastState)
}

func TestObservationAndVideoRetention(t *testing.T) {
	h := newTestHost(t, WithObservationsPolicy(policy.KeepAllObservations))
	installFakeTransport(h)

	h.onObservation(schemas.NewTimestampedString(`{"x":1}`))
	h.onObservation(schemas.NewTimestampedString(`{"x":2}`))
	h.onVideo(schemas.TimestampedVideoFrame{Width: 4, Height: 2, Channels: 3, Pixels: make([]byte, 24)})
	h.onVideo(schemas.TimestampedVideoFrame{Width: 4, Height: 2, Channels: 3, Pixels: make([]byte, 24)})

	ws := h.PeekWorldState()
	assert.Len(t, ws.Observations, 2)
	assert.Equal(t, 2, ws.NumberOfObservationsSinceLastState)
	// Default video policy keeps only the most recent frame.
	assert.Len(t, ws.VideoFrames, 1)
	assert.Equal(t, 2, ws.NumberOfVideoFramesSinceLastState)
}

// --- world state polling ------------------------------------------------------

func TestGetWorldStateResetsButCarriesFlags(t *testing.T) {
	h := newTestHost(t)
	installFakeTransport(h)
	h.worldState.IsMissionRunning = true
	h.worldState.HasMissionBegun = true
	h.onObservation(schemas.NewTimestampedString(`{"x":1}`))
	h.onReward(schemas.NewTimestampedString("0:1"))

	got := h.GetWorldState()
	assert.Len(t, got.Observations, 1)
	assert.Len(t, got.Rewards, 1)
	assert.True(t, got.IsMissionRunning)

	next := h.PeekWorldState()
	assert.Empty(t, next.Observations)
	assert.Empty(t, next.Rewards)
	assert.Equal(t, 0, next.NumberOfObservationsSinceLastState)
	assert.True(t, next.IsMissionRunning, "polling never ends a mission")
	assert.True(t, next.HasMissionBegun)
}

func TestPeekWorldStateReturnsIndependentCopy(t *testing.T) {
	h := newTestHost(t)
	installFakeTransport(h)
	h.onObservation(schemas.NewTimestampedString(`{"x":1}`))

	ws := h.PeekWorldState()
	ws.Observations[0].Text = "mutated"
	ws.Observations = nil

	again := h.PeekWorldState()
	require.Len(t, again.Observations, 1)
	assert.Equal(t, `{"x":1}`, again.Observations[0].Text)
}

// --- commands ------------------------------------------------------------------

func TestSendCommandWithoutChannel(t *testing.T) {
	h := newTestHost(t)
	installFakeTransport(h)

	h.SendCommand("move 1")

	ws := h.PeekWorldState()
	require.Len(t, ws.Errors, 1)
	assert.Equal(t, "SendCommand: commands connection is not open. Is the mission running?", ws.Errors[0].Text)
}

func TestSendCommandDeliveryAndFailure(t *testing.T) {
	h := newTestHost(t)
	installFakeTransport(h)
	conn := &fakeConn{}
	h.commandsConnection = conn

	h.SendCommand("move 1")
	h.SendCommand("turn 0.5")
	assert.Equal(t, []string{"move 1", "turn 0.5"}, conn.sent)
	assert.Empty(t, h.PeekWorldState().Errors)

	conn.sendErr = errors.New("broken pipe")
	h.SendCommand("move 0")
	ws := h.PeekWorldState()
	require.Len(t, ws.Errors, 1)
	assert.Contains(t, ws.Errors[0].Text, "failed to send command")
}

func TestCloseIsIdempotentAndKeepsListeners(t *testing.T) {
	h := newTestHost(t)
	ft := installFakeTransport(h)
	ft.reply = acceptAll
	require.NoError(t, h.StartMission(context.Background(), mission.NewMissionSpec(), testPool(10001), record.MissionRecordSpec{}, 0, ""))

	conn := &fakeConn{}
	h.commandsConnection = conn
	h.worldState.IsMissionRunning = true

	h.Close()
	h.Close()

	assert.False(t, h.PeekWorldState().IsMissionRunning)
	assert.True(t, conn.closed)
	for _, l := range ft.listeners {
		assert.False(t, l.isClosed(), "Close keeps listeners up for the next mission")
	}

	h.Shutdown()
	for _, l := range ft.listeners {
		assert.True(t, l.isClosed())
	}
}

// --- full lifecycle over real sockets -------------------------------------------

// fakeExecutor is a minimal stand-in for the platform side: one mission
// control service accepting proposals and one command sink.
type fakeExecutor struct {
	t        *testing.T
	listener net.Listener
	cmdLn    net.Listener
	commands chan string
	wg       sync.WaitGroup
}

func startFakeExecutor(t *testing.T) *fakeExecutor {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cmdLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	e := &fakeExecutor{t: t, listener: ln, cmdLn: cmdLn, commands: make(chan string, 16)}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// Accept any proposal.
			_, _ = bufio.NewReader(conn).ReadString('\n')
			_, _ = conn.Write([]byte("MALMOOK\n"))
			conn.Close()
		}
	}()
	go func() {
		defer e.wg.Done()
		for {
			conn, err := cmdLn.Accept()
			if err != nil {
				return
			}
			scanner := bufio.NewScanner(conn)
			for scanner.Scan() {
				e.commands <- scanner.Text()
			}
			conn.Close()
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		cmdLn.Close()
		e.wg.Wait()
	})
	return e
}

func (e *fakeExecutor) port() int {
	return e.listener.Addr().(*net.TCPAddr).Port
}

func (e *fakeExecutor) commandsPort() int {
	return e.cmdLn.Addr().(*net.TCPAddr).Port
}

// pushControl delivers one document to the host's control stream the way
// the executor would.
func (e *fakeExecutor) pushControl(port int, xml string) {
	e.t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(e.t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(xml + "\n"))
	require.NoError(e.t, err)
}

func TestMissionLifecycleOverTCP(t *testing.T) {
	executor := startFakeExecutor(t)

	h, err := New(config.Default(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer h.Shutdown()

	var pool schemas.ClientPool
	pool.Add(schemas.ClientInfo{Address: "127.0.0.1", Port: executor.port()})

	m := mission.NewMissionSpec()
	m.SetSummary("lifecycle test")
	require.NoError(t, h.StartMission(context.Background(), m, pool, record.MissionRecordSpec{}, 0, "itest"))

	h.mu.Lock()
	controlPort := h.controlServer.Port()
	initXML, err := h.missionInit.ToXML(false)
	h.mu.Unlock()
	require.NoError(t, err)

	// The executor's canonical MissionInit carries the commands port it
	// actually opened.
	canonical := strings.Replace(initXML,
		"<ClientCommandsPort>0</ClientCommandsPort>",
		"<ClientCommandsPort>"+strconv.Itoa(executor.commandsPort())+"</ClientCommandsPort>", 1)
	executor.pushControl(controlPort, canonical)

	require.Eventually(t, func() bool {
		return h.PeekWorldState().IsMissionRunning
	}, 5*time.Second, 10*time.Millisecond, "mission never started running")

	h.SendCommand("move 1")
	select {
	case cmd := <-executor.commands:
		assert.Equal(t, "move 1", cmd)
	case <-time.After(5 * time.Second):
		t.Fatal("command never reached the executor")
	}

	executor.pushControl(controlPort, `<MissionEnded><Status>ENDED</Status><HumanReadableStatus>done</HumanReadableStatus></MissionEnded>`)
	require.Eventually(t, func() bool {
		return !h.PeekWorldState().IsMissionRunning
	}, 5*time.Second, 10*time.Millisecond, "mission never stopped")

	ws := h.GetWorldState()
	assert.Empty(t, ws.Errors)
	assert.GreaterOrEqual(t, len(ws.MissionControlMessages), 2)
}
