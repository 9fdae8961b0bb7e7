// File: internal/record/record.go
// Description: Mission recording: which artifacts to persist and where.
// Each artifact (mission init document, command log, rewards, observations,
// video) is gated by its own flag.

package record

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MissionRecordSpec is the caller's request: a destination directory plus
// one flag per artifact. The zero value records nothing.
type MissionRecordSpec struct {
	Destination        string
	RecordMissionInit  bool
	RecordCommands     bool
	RecordRewards      bool
	RecordObservations bool
	RecordVideo        bool
}

// IsRecording reports whether any artifact is requested.
func (s MissionRecordSpec) IsRecording() bool {
	return s.RecordMissionInit || s.RecordCommands || s.RecordRewards ||
		s.RecordObservations || s.RecordVideo
}

// manifest is the machine-readable index written next to the artifacts.
type manifest struct {
	CreatedAt    time.Time `json:"created_at"`
	MissionInit  bool      `json:"mission_init"`
	Commands     bool      `json:"commands"`
	Rewards      bool      `json:"rewards"`
	Observations bool      `json:"observations"`
	Video        bool      `json:"video"`
}

// MissionRecord is the materialized recording for one mission attempt. It
// owns the command log file handle; the telemetry sinks are handed to the
// listeners by path.
type MissionRecord struct {
	spec MissionRecordSpec

	mu       sync.Mutex
	commands *os.File
}

// NewMissionRecord creates the destination directory (when recording) and
// writes the manifest.
func NewMissionRecord(spec MissionRecordSpec) (*MissionRecord, error) {
	r := &MissionRecord{spec: spec}
	if !spec.IsRecording() {
		return r, nil
	}
	if spec.Destination == "" {
		return nil, fmt.Errorf("recording requested but no destination directory given")
	}
	if err := os.MkdirAll(spec.Destination, 0o755); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}

	m := manifest{
		CreatedAt:    time.Now().UTC(),
		MissionInit:  spec.RecordMissionInit,
		Commands:     spec.RecordCommands,
		Rewards:      spec.RecordRewards,
		Observations: spec.RecordObservations,
		Video:        spec.RecordVideo,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(spec.Destination, "manifest.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("write recording manifest: %w", err)
	}
	return r, nil
}

// Spec returns the request this record was built from.
func (r *MissionRecord) Spec() MissionRecordSpec { return r.spec }

// IsRecording reports whether any artifact is being persisted.
func (r *MissionRecord) IsRecording() bool { return r.spec.IsRecording() }

// IsRecordingCommands reports whether the command log is enabled.
func (r *MissionRecord) IsRecordingCommands() bool { return r.spec.RecordCommands }

// IsRecordingRewards reports whether the reward log is enabled.
func (r *MissionRecord) IsRecordingRewards() bool { return r.spec.RecordRewards }

// IsRecordingObservations reports whether the observation log is enabled.
func (r *MissionRecord) IsRecordingObservations() bool { return r.spec.RecordObservations }

// IsRecordingVideo reports whether the raw frame log is enabled.
func (r *MissionRecord) IsRecordingVideo() bool { return r.spec.RecordVideo }

// MissionInitPath is where the final negotiated document is written.
func (r *MissionRecord) MissionInitPath() string {
	return filepath.Join(r.spec.Destination, "missionInit.xml")
}

// RewardsPath is the reward stream sink.
func (r *MissionRecord) RewardsPath() string {
	return filepath.Join(r.spec.Destination, "rewards.txt")
}

// ObservationsPath is the observation stream sink.
func (r *MissionRecord) ObservationsPath() string {
	return filepath.Join(r.spec.Destination, "observations.txt")
}

// VideoPath is the raw frame log sink.
func (r *MissionRecord) VideoPath() string {
	return filepath.Join(r.spec.Destination, "video.frames")
}

// OpenCommandLog truncates and reopens the command log. Any previously
// open handle is closed first.
func (r *MissionRecord) OpenCommandLog() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commands != nil {
		r.commands.Close()
		r.commands = nil
	}
	if !r.spec.RecordCommands {
		return nil
	}
	file, err := os.Create(filepath.Join(r.spec.Destination, "commands.txt"))
	if err != nil {
		return fmt.Errorf("open command log: %w", err)
	}
	r.commands = file
	return nil
}

// LogCommand appends one timestamped command line, if the log is open.
func (r *MissionRecord) LogCommand(ts time.Time, command string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commands == nil {
		return
	}
	fmt.Fprintf(r.commands, "%s %s\n", ts.UTC().Format(time.RFC3339Nano), command)
}

// WriteMissionInit persists the final negotiated document.
func (r *MissionRecord) WriteMissionInit(xml string) error {
	if !r.spec.RecordMissionInit {
		return nil
	}
	return os.WriteFile(r.MissionInitPath(), []byte(xml), 0o644)
}

// Close closes the command log handle. Idempotent.
func (r *MissionRecord) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.commands != nil {
		r.commands.Close()
		r.commands = nil
	}
}
