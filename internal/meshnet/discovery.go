package meshnet

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/ccding/go-stun/stun"
	"go.uber.org/zap"
)

// ServerDiscoveryHandler answers DiscoverHost broadcasts. It runs on the
// I/O goroutine and must not block; it may reply directly on udp. No
// connection state changes as a result of discovery traffic.
type ServerDiscoveryHandler interface {
	HandleDiscoverHost(udp *UdpChannel, from *net.UDPAddr)
}

// discoverHostReply is the default identity/capability payload a server
// answers DiscoverHost with.
type discoverHostReply struct {
	Name          string `json:"name"`
	TCPPort       int    `json:"tcp_port"`
	UDPPort       int    `json:"udp_port"`
	PublicAddress string `json:"public_address,omitempty"`
}

// defaultDiscoveryHandler answers DiscoverHost with a small JSON identity
// datagram, optionally enriched with a STUN-resolved public address
// learned once at construction time.
type defaultDiscoveryHandler struct {
	name          string
	tcpPort       int
	udpPort       int
	publicAddress string
	log           *zap.Logger
}

// NewDefaultDiscoveryHandler builds the default handler. If stunServerAddr
// is non-empty, it attempts to resolve this host's externally-visible
// address via STUN; a failure here is logged and non-fatal — the handler
// simply omits PublicAddress from its replies.
func NewDefaultDiscoveryHandler(name string, tcpPort, udpPort int, stunServerAddr string, log *zap.Logger) ServerDiscoveryHandler {
	return newDefaultDiscoveryHandler(name, tcpPort, udpPort, stunServerAddr, log)
}

func newDefaultDiscoveryHandler(name string, tcpPort, udpPort int, stunServerAddr string, log *zap.Logger) *defaultDiscoveryHandler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &defaultDiscoveryHandler{name: name, tcpPort: tcpPort, udpPort: udpPort, log: log}
	if stunServerAddr == "" {
		return h
	}

	client := stun.NewClient()
	client.SetServerAddr(stunServerAddr)
	_, stunHost, err := client.Discover()
	if err != nil {
		log.Warn("stun discovery failed, discovery replies will omit public address",
			zap.String("stun_server", stunServerAddr), zap.Error(err))
		return h
	}
	if stunHost != nil {
		h.publicAddress = fmt.Sprintf("%s:%d", stunHost.IP(), stunHost.Port())
		log.Info("resolved public address via stun", zap.String("public_address", h.publicAddress))
	}
	return h
}

func (h *defaultDiscoveryHandler) HandleDiscoverHost(udp *UdpChannel, from *net.UDPAddr) {
	reply := discoverHostReply{
		Name:          h.name,
		TCPPort:       h.tcpPort,
		UDPPort:       h.udpPort,
		PublicAddress: h.publicAddress,
	}
	data, err := json.Marshal(reply)
	if err != nil {
		h.log.Warn("failed to encode discovery reply", zap.Error(err))
		return
	}
	if _, err := udp.sendRaw(data, from); err != nil {
		h.log.Warn("failed to send discovery reply", zap.Stringer("from", from), zap.Error(err))
	}
}
