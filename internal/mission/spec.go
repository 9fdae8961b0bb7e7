// File: internal/mission/spec.go
// Description: MissionSpec is the declarative description of one mission:
// how many agent roles it has and what each role's handlers request.

package mission

import (
	"fmt"
	"strconv"

	"github.com/beevik/etree"
)

// videoRequest is one role's video handler parameters.
type videoRequest struct {
	width    int
	height   int
	channels int
}

// agentSection is the per-role slice of a mission document.
type agentSection struct {
	name  string
	video *videoRequest
}

// MissionSpec describes a mission to be proposed to an executor.
type MissionSpec struct {
	summary string
	agents  []agentSection
}

// NewMissionSpec returns a single-agent mission with no video requested.
func NewMissionSpec() *MissionSpec {
	return &MissionSpec{agents: []agentSection{{name: "Agent0"}}}
}

// ParseMissionSpec builds a MissionSpec from its XML form.
func ParseMissionSpec(xml string) (*MissionSpec, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return nil, fmt.Errorf("parsing mission XML: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "Mission" {
		return nil, fmt.Errorf("mission XML root element must be Mission")
	}

	spec := &MissionSpec{}
	if about := root.FindElement("About/Summary"); about != nil {
		spec.summary = about.Text()
	}
	for _, section := range root.SelectElements("AgentSection") {
		agent := agentSection{name: "Agent" + strconv.Itoa(len(spec.agents))}
		if nameEl := section.SelectElement("Name"); nameEl != nil {
			agent.name = nameEl.Text()
		}
		if producer := section.FindElement("AgentHandlers/VideoProducer"); producer != nil {
			video := videoRequest{channels: 3}
			var err error
			if video.width, err = intChild(producer, "Width"); err != nil {
				return nil, err
			}
			if video.height, err = intChild(producer, "Height"); err != nil {
				return nil, err
			}
			if producer.SelectAttrValue("want_depth", "false") == "true" {
				video.channels = 4
			}
			agent.video = &video
		}
		spec.agents = append(spec.agents, agent)
	}
	if len(spec.agents) == 0 {
		return nil, fmt.Errorf("mission XML declares no AgentSection")
	}
	return spec, nil
}

func intChild(parent *etree.Element, tag string) (int, error) {
	child := parent.SelectElement(tag)
	if child == nil {
		return 0, fmt.Errorf("missing %s element under %s", tag, parent.Tag)
	}
	n, err := strconv.Atoi(child.Text())
	if err != nil {
		return 0, fmt.Errorf("element %s: %w", tag, err)
	}
	return n, nil
}

// SetSummary sets the human-readable mission summary.
func (m *MissionSpec) SetSummary(summary string) { m.summary = summary }

// Summary returns the human-readable mission summary.
func (m *MissionSpec) Summary() string { return m.summary }

// RequestVideo asks for video frames of the given geometry for every role.
func (m *MissionSpec) RequestVideo(width, height int) {
	for i := range m.agents {
		m.agents[i].video = &videoRequest{width: width, height: height, channels: 3}
	}
}

// AddAgent appends another role to the mission.
func (m *MissionSpec) AddAgent(name string) {
	m.agents = append(m.agents, agentSection{name: name})
}

// NumberOfAgents reports how many roles the mission declares.
func (m *MissionSpec) NumberOfAgents() int { return len(m.agents) }

// IsVideoRequested reports whether the role's handlers include video.
func (m *MissionSpec) IsVideoRequested(role int) bool {
	return role >= 0 && role < len(m.agents) && m.agents[role].video != nil
}

// VideoWidth returns the requested frame width for the role (0 if none).
func (m *MissionSpec) VideoWidth(role int) int {
	if !m.IsVideoRequested(role) {
		return 0
	}
	return m.agents[role].video.width
}

// VideoHeight returns the requested frame height for the role (0 if none).
func (m *MissionSpec) VideoHeight(role int) int {
	if !m.IsVideoRequested(role) {
		return 0
	}
	return m.agents[role].video.height
}

// VideoChannels returns the requested channels per pixel for the role.
func (m *MissionSpec) VideoChannels(role int) int {
	if !m.IsVideoRequested(role) {
		return 0
	}
	return m.agents[role].video.channels
}

// appendXML writes this mission's element tree under parent.
func (m *MissionSpec) appendXML(parent *etree.Element) {
	root := parent.CreateElement("Mission")
	root.CreateAttr("SchemaVersion", SchemaVersion)
	about := root.CreateElement("About")
	about.CreateElement("Summary").SetText(m.summary)
	for _, agent := range m.agents {
		section := root.CreateElement("AgentSection")
		section.CreateElement("Name").SetText(agent.name)
		handlers := section.CreateElement("AgentHandlers")
		if agent.video != nil {
			producer := handlers.CreateElement("VideoProducer")
			if agent.video.channels == 4 {
				producer.CreateAttr("want_depth", "true")
			}
			producer.CreateElement("Width").SetText(strconv.Itoa(agent.video.width))
			producer.CreateElement("Height").SetText(strconv.Itoa(agent.video.height))
		}
	}
}

// ToXML serializes the mission document.
func (m *MissionSpec) ToXML() (string, error) {
	doc := etree.NewDocument()
	m.appendXML(&doc.Element)
	doc.Indent(2)
	return doc.WriteToString()
}
