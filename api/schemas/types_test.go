// File: api/schemas/types_test.go
package schemas_test

import (
	"testing"
	"time"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malmo-go/malmo/api/schemas"
)

func TestReward_AddIsAssociative(t *testing.T) {
	sum1 := schemas.Reward{}
	sum1.Add(schemas.Reward{0: 1, 1: 2})
	sum1.Add(schemas.Reward{0: 3})

	sum2 := schemas.Reward{0: 3}
	sum2.Add(schemas.Reward{0: 1, 1: 2})

	assert.Equal(t, sum1, sum2)
	assert.Equal(t, 4.0, sum1.Value(0))
	assert.Equal(t, 2.0, sum1.Value(1))
}

func TestReward_SimpleStringRoundTrip(t *testing.T) {
	reward := schemas.Reward{3: -0.5, 0: 100, 1: 2.25}
	s := reward.SimpleString()
	assert.Equal(t, "0:100,1:2.25,3:-0.5", s)

	parsed, err := schemas.ParseRewardString(s)
	require.NoError(t, err)
	assert.Equal(t, reward, parsed)
}

func TestParseRewardString_Errors(t *testing.T) {
	cases := []string{"0", "a:1", "0:b", "0:1,,"}
	for _, raw := range cases {
		_, err := schemas.ParseRewardString(raw)
		assert.Error(t, err, "input %q", raw)
	}

	empty, err := schemas.ParseRewardString("  ")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestWorldState_CopyIsDeep(t *testing.T) {
	now := time.Now().UTC()
	ws := schemas.WorldState{
		IsMissionRunning: true,
		HasMissionBegun:  true,
		VideoFrames: []schemas.TimestampedVideoFrame{
			{Timestamp: now, Width: 4, Height: 2, Channels: 3, Pixels: []byte{1, 2, 3}},
		},
		Rewards:      []schemas.TimestampedReward{schemas.NewTimestampedReward(now, schemas.Reward{0: 1})},
		Observations: []schemas.TimestampedString{{Timestamp: now, Text: "{}"}},
		Errors:       []schemas.TimestampedString{{Timestamp: now, Text: "oops"}},
	}

	snapshot := ws.Copy()
	require.Empty(t, cmp.Diff(ws, snapshot))

	// Mutating the original must not reach the snapshot.
	ws.VideoFrames[0].Pixels[0] = 99
	ws.Rewards[0].Reward.Add(schemas.Reward{0: 10})
	ws.Observations[0].Text = "changed"

	assert.Equal(t, byte(1), snapshot.VideoFrames[0].Pixels[0])
	assert.Equal(t, 1.0, snapshot.Rewards[0].Reward.Value(0))
	assert.Equal(t, "{}", snapshot.Observations[0].Text)
}

func TestWorldState_Clear(t *testing.T) {
	ws := schemas.WorldState{
		IsMissionRunning:                  true,
		HasMissionBegun:                   true,
		NumberOfRewardsSinceLastState:     3,
		NumberOfVideoFramesSinceLastState: 1,
		Errors:                            []schemas.TimestampedString{{Text: "x"}},
	}
	ws.Clear()
	assert.Equal(t, schemas.WorldState{}, ws)
}

func TestParseClientInfo(t *testing.T) {
	info, err := schemas.ParseClientInfo("example.org:10007")
	require.NoError(t, err)
	assert.Equal(t, schemas.ClientInfo{Address: "example.org", Port: 10007}, info)

	info, err = schemas.ParseClientInfo("example.org")
	require.NoError(t, err)
	assert.Equal(t, schemas.DefaultClientMissionControlPort, info.Port)

	_, err = schemas.ParseClientInfo("example.org:notaport")
	assert.Error(t, err)
}

func FuzzParseRewardString(f *testing.F) {
	f.Add([]byte("0:1.5,1:-2"))
	f.Add([]byte(":::"))
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		raw, err := consumer.GetString()
		if err != nil {
			return
		}
		reward, err := schemas.ParseRewardString(raw)
		if err != nil {
			return
		}
		// Whatever parses must re-serialize and parse back to itself.
		again, err := schemas.ParseRewardString(reward.SimpleString())
		if err != nil {
			t.Fatalf("round trip failed for %q: %v", raw, err)
		}
		if len(again) != len(reward) {
			t.Fatalf("round trip changed dimension count for %q", raw)
		}
	})
}
