// File: cmd/run.go
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/malmo-go/malmo/api/schemas"
	"github.com/malmo-go/malmo/internal/agenthost"
	"github.com/malmo-go/malmo/internal/config"
	"github.com/malmo-go/malmo/internal/mission"
	"github.com/malmo-go/malmo/internal/observability"
	"github.com/malmo-go/malmo/internal/record"
)

// newRunCmd creates and configures the `run` command: it starts one role
// of a mission against the client pool, pumps stdin lines to the executor
// as commands and drains telemetry until the mission ends.
func newRunCmd() *cobra.Command {
	var (
		missionFile  string
		clients      []string
		role         int
		experimentID string
		recordDir    string
		recordAll    bool
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one agent role of a mission against the client pool",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their Viper keys so command-line flags override
			// values from the config file and environment.
			if err := viper.BindPFlag("protocol.commands_per_second", cmd.Flags().Lookup("commands-per-second")); err != nil {
				return err
			}
			return viper.BindPFlag("protocol.schema_path", cmd.Flags().Lookup("schema-path"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			var cfg config.Config
			if err := viper.Unmarshal(&cfg); err != nil {
				return fmt.Errorf("failed to unmarshal config with flag overrides: %w", err)
			}

			data, err := os.ReadFile(missionFile)
			if err != nil {
				return fmt.Errorf("reading mission file: %w", err)
			}
			m, err := mission.ParseMissionSpec(string(data))
			if err != nil {
				return err
			}

			var pool schemas.ClientPool
			for _, entry := range clients {
				client, err := schemas.ParseClientInfo(entry)
				if err != nil {
					return err
				}
				pool.Add(client)
			}

			if experimentID == "" {
				experimentID = uuid.New().String()
			}

			recordSpec := record.MissionRecordSpec{Destination: recordDir}
			if recordDir != "" && recordAll {
				recordSpec.RecordMissionInit = true
				recordSpec.RecordCommands = true
				recordSpec.RecordObservations = true
				recordSpec.RecordRewards = true
				recordSpec.RecordVideo = m.IsVideoRequested(role)
			}

			host, err := agenthost.New(cfg, logger)
			if err != nil {
				return err
			}
			defer host.Shutdown()

			logger.Info("starting mission",
				zap.String("summary", m.Summary()),
				zap.Int("role", role),
				zap.String("experiment_id", experimentID),
				zap.Int("pool_size", len(pool.Clients)))
			if err := host.StartMission(ctx, m, pool, recordSpec, role, experimentID); err != nil {
				return err
			}

			go pumpCommands(host, os.Stdin)
			return drainMission(ctx, host, logger)
		},
	}

	runCmd.Flags().StringVarP(&missionFile, "mission", "m", "", "path to the mission XML file (required)")
	runCmd.Flags().StringSliceVar(&clients, "clients", []string{"127.0.0.1:10000"}, "client pool entries, host or host:port")
	runCmd.Flags().IntVar(&role, "role", 0, "agent role index to run")
	runCmd.Flags().StringVar(&experimentID, "experiment-id", "", "experiment id shared by all roles (default: random UUID)")
	runCmd.Flags().StringVar(&recordDir, "record", "", "directory to record mission artifacts into")
	runCmd.Flags().BoolVar(&recordAll, "record-all", true, "record every artifact kind when --record is set")
	runCmd.Flags().Float64("commands-per-second", 0, "rate limit for outbound commands, 0 disables")
	runCmd.Flags().String("schema-path", "", "directory holding the .xsd schema set to version-check")
	_ = runCmd.MarkFlagRequired("mission")
	return runCmd
}

// pumpCommands forwards stdin lines to the executor. Send failures land in
// the world state's error buffer, so this loop never aborts the mission.
func pumpCommands(host *agenthost.AgentHost, in *os.File) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		host.SendCommand(line)
	}
}

// drainMission polls the world state until the mission ends or the context
// is cancelled, surfacing absorbed errors and the running reward total.
func drainMission(ctx context.Context, host *agenthost.AgentHost, logger *zap.Logger) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	total := schemas.Reward{}
	for {
		select {
		case <-ctx.Done():
			logger.Warn("mission aborted by signal")
			return errors.New("mission aborted by user signal")
		case <-ticker.C:
			ws := host.GetWorldState()
			for _, e := range ws.Errors {
				logger.Warn("mission error", zap.String("error", e.Text))
			}
			for _, r := range ws.Rewards {
				total.Add(r.Reward)
			}
			if ws.NumberOfObservationsSinceLastState > 0 {
				last := ws.Observations[len(ws.Observations)-1]
				logger.Debug("observation", zap.String("payload", last.Text))
			}
			if ws.HasMissionBegun && !ws.IsMissionRunning {
				logger.Info("mission ended", zap.String("total_reward", total.SimpleString()))
				return nil
			}
		}
	}
}
