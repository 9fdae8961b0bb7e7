// File: internal/mission/missionended.go
// Description: End-of-mission record received on the control stream.

package mission

import (
	"fmt"

	"github.com/beevik/etree"

	"github.com/malmo-go/malmo/api/schemas"
)

// Terminal status values an executor reports in a MissionEnded document.
// StatusEnded and StatusPlayerDied are the two normal outcomes; anything
// else is abnormal and surfaced to the consumer as an error entry.
const (
	StatusEnded      = "ENDED"
	StatusPlayerDied = "PLAYER_DIED"
)

// MissionEnded is the parsed end-of-mission record.
type MissionEnded struct {
	Status              string
	HumanReadableStatus string
	Reward              schemas.Reward
	HasReward           bool
}

// IsNormalStatus reports whether the mission terminated in one of the two
// expected ways.
func (m *MissionEnded) IsNormalStatus() bool {
	return m.Status == StatusEnded || m.Status == StatusPlayerDied
}

// ParseMissionEnded reads a MissionEnded document from its XML form.
func ParseMissionEnded(xml string) (*MissionEnded, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return nil, fmt.Errorf("parsing MissionEnded XML: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "MissionEnded" {
		return nil, fmt.Errorf("MissionEnded XML root element must be MissionEnded")
	}
	statusEl := root.SelectElement("Status")
	if statusEl == nil {
		return nil, fmt.Errorf("MissionEnded has no Status element")
	}

	ended := &MissionEnded{Status: statusEl.Text()}
	if el := root.SelectElement("HumanReadableStatus"); el != nil {
		ended.HumanReadableStatus = el.Text()
	}
	if el := root.SelectElement("Reward"); el != nil {
		reward, err := parseRewardElement(el)
		if err != nil {
			return nil, err
		}
		ended.Reward = reward
		ended.HasReward = true
	}
	return ended, nil
}

// parseRewardElement reads <Reward><Value dimension="0">1.5</Value>...</Reward>.
func parseRewardElement(el *etree.Element) (schemas.Reward, error) {
	reward := schemas.Reward{}
	for _, value := range el.SelectElements("Value") {
		dim, err := intAttr(value, "dimension")
		if err != nil {
			return nil, err
		}
		var v float64
		if _, err := fmt.Sscanf(value.Text(), "%g", &v); err != nil {
			return nil, fmt.Errorf("reward value %q: %w", value.Text(), err)
		}
		reward[dim] += v
	}
	return reward, nil
}

func intAttr(el *etree.Element, key string) (int, error) {
	raw := el.SelectAttrValue(key, "")
	if raw == "" {
		return 0, fmt.Errorf("element %s missing %s attribute", el.Tag, key)
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, fmt.Errorf("attribute %s=%q: %w", key, raw, err)
	}
	return n, nil
}
