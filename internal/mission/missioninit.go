// File: internal/mission/missioninit.go
// Description: MissionInitSpec is the mutable negotiation record for one
// mission attempt. It is serialized to XML and proposed to pool candidates,
// and a canonical copy may arrive back on the control stream once the
// executor actually starts the mission.

package mission

import (
	"fmt"
	"strconv"

	"github.com/beevik/etree"
)

// MissionInitSpec carries everything both sides need to wire up one role
// of a mission: which executor runs it, where the executor should push
// telemetry, and (for dependent roles) where the authoritative server is.
type MissionInitSpec struct {
	mission      *MissionSpec
	experimentID string
	role         int

	clientAddress            string
	clientMissionControlPort int
	clientCommandsPort       int

	agentAddress            string
	agentMissionControlPort int
	agentVideoPort          int
	agentRewardsPort        int
	agentObservationsPort   int

	hasServerInformation bool
	serverAddress        string
	serverPort           int
}

// NewMissionInitSpec builds the default negotiation record for a role:
// loopback client on the default port, all agent ports 0 so the listeners
// pick free ones.
func NewMissionInitSpec(m *MissionSpec, experimentID string, role int) *MissionInitSpec {
	return &MissionInitSpec{
		mission:                  m,
		experimentID:             experimentID,
		role:                     role,
		clientAddress:            "127.0.0.1",
		clientMissionControlPort: 10000,
		agentAddress:             "127.0.0.1",
	}
}

// ParseMissionInit reads a MissionInit document from its XML form. With
// validate set, structural problems (missing required elements, ports out
// of range) are errors rather than zero values.
func ParseMissionInit(xml string, validate bool) (*MissionInitSpec, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return nil, fmt.Errorf("parsing MissionInit XML: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "MissionInit" {
		return nil, fmt.Errorf("MissionInit XML root element must be MissionInit")
	}
	if validate {
		declared := root.SelectAttrValue("SchemaVersion", "")
		if declared != SchemaVersion {
			return nil, fmt.Errorf("MissionInit declares schema version %q, this build requires %q", declared, SchemaVersion)
		}
	}

	init := &MissionInitSpec{}
	var err error

	missionEl := root.SelectElement("Mission")
	if missionEl == nil {
		if validate {
			return nil, fmt.Errorf("MissionInit has no Mission element")
		}
	} else {
		inner := etree.NewDocument()
		inner.AddChild(missionEl.Copy())
		innerXML, werr := inner.WriteToString()
		if werr != nil {
			return nil, werr
		}
		if init.mission, err = ParseMissionSpec(innerXML); err != nil {
			return nil, err
		}
	}

	if el := root.SelectElement("ExperimentUID"); el != nil {
		init.experimentID = el.Text()
	}
	if init.role, err = optionalIntChild(root, "ClientRole", validate); err != nil {
		return nil, err
	}

	conn := root.SelectElement("ClientAgentConnection")
	if conn == nil {
		if validate {
			return nil, fmt.Errorf("MissionInit has no ClientAgentConnection element")
		}
		return init, nil
	}
	if el := conn.SelectElement("ClientIPAddress"); el != nil {
		init.clientAddress = el.Text()
	}
	if el := conn.SelectElement("AgentIPAddress"); el != nil {
		init.agentAddress = el.Text()
	}
	ports := []struct {
		tag  string
		dest *int
	}{
		{"ClientMissionControlPort", &init.clientMissionControlPort},
		{"ClientCommandsPort", &init.clientCommandsPort},
		{"AgentMissionControlPort", &init.agentMissionControlPort},
		{"AgentVideoPort", &init.agentVideoPort},
		{"AgentRewardsPort", &init.agentRewardsPort},
		{"AgentObservationsPort", &init.agentObservationsPort},
	}
	for _, p := range ports {
		if *p.dest, err = optionalIntChild(conn, p.tag, validate); err != nil {
			return nil, err
		}
		if validate && (*p.dest < 0 || *p.dest > 65535) {
			return nil, fmt.Errorf("element %s: port %d out of range", p.tag, *p.dest)
		}
	}

	if server := root.SelectElement("MinecraftServerConnection"); server != nil {
		address := server.SelectAttrValue("address", "")
		port, perr := strconv.Atoi(server.SelectAttrValue("port", "0"))
		if perr != nil {
			return nil, fmt.Errorf("MinecraftServerConnection port: %w", perr)
		}
		init.SetServerInformation(address, port)
	}
	return init, nil
}

// optionalIntChild parses an integer child element, tolerating absence
// (zero) unless validate demands it.
func optionalIntChild(parent *etree.Element, tag string, validate bool) (int, error) {
	child := parent.SelectElement(tag)
	if child == nil {
		if validate {
			return 0, fmt.Errorf("missing %s element under %s", tag, parent.Tag)
		}
		return 0, nil
	}
	n, err := strconv.Atoi(child.Text())
	if err != nil {
		return 0, fmt.Errorf("element %s: %w", tag, err)
	}
	return n, nil
}

// ToXML serializes the record to its canonical wire form.
func (m *MissionInitSpec) ToXML(pretty bool) (string, error) {
	doc := etree.NewDocument()
	root := doc.CreateElement("MissionInit")
	root.CreateAttr("SchemaVersion", SchemaVersion)
	root.CreateAttr("PlatformVersion", Version)

	if m.mission != nil {
		m.mission.appendXML(root)
	}
	root.CreateElement("ExperimentUID").SetText(m.experimentID)
	root.CreateElement("ClientRole").SetText(strconv.Itoa(m.role))

	conn := root.CreateElement("ClientAgentConnection")
	conn.CreateElement("ClientIPAddress").SetText(m.clientAddress)
	conn.CreateElement("ClientMissionControlPort").SetText(strconv.Itoa(m.clientMissionControlPort))
	conn.CreateElement("ClientCommandsPort").SetText(strconv.Itoa(m.clientCommandsPort))
	conn.CreateElement("AgentIPAddress").SetText(m.agentAddress)
	conn.CreateElement("AgentMissionControlPort").SetText(strconv.Itoa(m.agentMissionControlPort))
	conn.CreateElement("AgentVideoPort").SetText(strconv.Itoa(m.agentVideoPort))
	conn.CreateElement("AgentRewardsPort").SetText(strconv.Itoa(m.agentRewardsPort))
	conn.CreateElement("AgentObservationsPort").SetText(strconv.Itoa(m.agentObservationsPort))

	if m.hasServerInformation {
		server := root.CreateElement("MinecraftServerConnection")
		server.CreateAttr("address", m.serverAddress)
		server.CreateAttr("port", strconv.Itoa(m.serverPort))
	}

	if pretty {
		doc.Indent(2)
	}
	return doc.WriteToString()
}

// Mission returns the embedded mission description (nil when the record
// was parsed from a document without one and validation was off).
func (m *MissionInitSpec) Mission() *MissionSpec { return m.mission }

// ExperimentID returns the experiment identifier shared by all roles.
func (m *MissionInitSpec) ExperimentID() string { return m.experimentID }

// Role returns the 0-based role index this record was built for.
func (m *MissionInitSpec) Role() int { return m.role }

func (m *MissionInitSpec) ClientAddress() string         { return m.clientAddress }
func (m *MissionInitSpec) ClientMissionControlPort() int { return m.clientMissionControlPort }
func (m *MissionInitSpec) ClientCommandsPort() int       { return m.clientCommandsPort }
func (m *MissionInitSpec) AgentMissionControlPort() int  { return m.agentMissionControlPort }
func (m *MissionInitSpec) AgentVideoPort() int           { return m.agentVideoPort }
func (m *MissionInitSpec) AgentRewardsPort() int         { return m.agentRewardsPort }
func (m *MissionInitSpec) AgentObservationsPort() int    { return m.agentObservationsPort }

func (m *MissionInitSpec) SetClientAddress(address string)      { m.clientAddress = address }
func (m *MissionInitSpec) SetClientMissionControlPort(port int) { m.clientMissionControlPort = port }
func (m *MissionInitSpec) SetAgentMissionControlPort(port int)  { m.agentMissionControlPort = port }
func (m *MissionInitSpec) SetAgentVideoPort(port int)           { m.agentVideoPort = port }
func (m *MissionInitSpec) SetAgentRewardsPort(port int)         { m.agentRewardsPort = port }
func (m *MissionInitSpec) SetAgentObservationsPort(port int)    { m.agentObservationsPort = port }

// HasServerInformation reports whether the authoritative server has been
// discovered (or supplied) for this mission.
func (m *MissionInitSpec) HasServerInformation() bool { return m.hasServerInformation }

// SetServerInformation records the authoritative server endpoint.
func (m *MissionInitSpec) SetServerInformation(address string, port int) {
	m.hasServerInformation = true
	m.serverAddress = address
	m.serverPort = port
}

// ServerAddress returns the discovered authoritative server address.
func (m *MissionInitSpec) ServerAddress() string { return m.serverAddress }

// ServerPort returns the discovered authoritative server port.
func (m *MissionInitSpec) ServerPort() int { return m.serverPort }
