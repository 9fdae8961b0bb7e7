// File: api/schemas/clientpool.go
package schemas

import (
	"fmt"
	"net"
	"strconv"
)

// DefaultClientMissionControlPort is the port an executor's mission control
// service listens on when none is given.
const DefaultClientMissionControlPort = 10000

// ClientInfo identifies one executor endpoint. It is a value type;
// two ClientInfos are the same executor iff address and port both match.
type ClientInfo struct {
	Address string
	Port    int
}

// NewClientInfo builds a ClientInfo on the default mission control port.
func NewClientInfo(address string) ClientInfo {
	return ClientInfo{Address: address, Port: DefaultClientMissionControlPort}
}

// ParseClientInfo accepts "host" or "host:port".
func ParseClientInfo(s string) (ClientInfo, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NewClientInfo(s), nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return ClientInfo{}, fmt.Errorf("invalid client port %q", portStr)
	}
	return ClientInfo{Address: host, Port: port}, nil
}

func (c ClientInfo) String() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// ClientPool is the ordered list of candidate executors for a mission.
// Order is significant: negotiation scans it deterministically, and
// duplicates are permitted.
type ClientPool struct {
	Clients []ClientInfo
}

// Add appends a candidate to the scan order.
func (p *ClientPool) Add(client ClientInfo) {
	p.Clients = append(p.Clients, client)
}
