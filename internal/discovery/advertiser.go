package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"classlock/internal/clock"
	"classlock/internal/protocol"
)

var limitedBroadcast = net.IPv4bcast

// Target is one place a beacon is sent: the directed broadcast address of
// a local interface, and that interface's own address to put in the beacon.
type Target struct {
	Local     net.IP
	Broadcast net.IP
}

type Advertiser struct {
	port     int
	interval time.Duration
	clock    clock.Clock
	log      *zap.Logger

	// targets lists destinations on every tick. Tests replace it.
	targets func() ([]Target, error)
}

func NewAdvertiser(port int, interval time.Duration, clk clock.Clock, log *zap.Logger) *Advertiser {
	return &Advertiser{
		port:     port,
		interval: interval,
		clock:    clk,
		log:      log.Named("advertiser"),
		targets:  InterfaceTargets,
	}
}

// Run broadcasts beacon immediately and then on every interval until ctx
// is cancelled.
func (a *Advertiser) Run(ctx context.Context, beacon protocol.Beacon) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return fmt.Errorf("open beacon socket: %w", err)
	}
	defer conn.Close()

	beacon.Type = protocol.BeaconType
	a.log.Info("beacon started",
		zap.String("class", beacon.Class),
		zap.String("session_id", beacon.SessionID),
		zap.Int("port", a.port),
	)

	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()

	a.broadcast(conn, beacon)
	for {
		select {
		case <-ctx.Done():
			a.log.Info("beacon stopped")
			return nil
		case <-ticker.C:
			a.broadcast(conn, beacon)
		}
	}
}

func (a *Advertiser) broadcast(conn *net.UDPConn, beacon protocol.Beacon) {
	targets, err := a.targets()
	if err != nil {
		a.log.Debug("list interfaces failed", zap.Error(err))
	}

	if len(targets) == 0 {
		a.send(conn, beacon, limitedBroadcast)
		return
	}

	for _, t := range targets {
		packet := beacon
		packet.IP = t.Local.String()
		a.send(conn, packet, t.Broadcast)
		if !t.Broadcast.Equal(limitedBroadcast) {
			a.send(conn, packet, limitedBroadcast)
		}
	}
}

func (a *Advertiser) send(conn *net.UDPConn, beacon protocol.Beacon, to net.IP) {
	payload, err := json.Marshal(beacon)
	if err != nil {
		a.log.Error("encode beacon", zap.Error(err))
		return
	}
	if _, err := conn.WriteToUDP(payload, &net.UDPAddr{IP: to, Port: a.port}); err != nil {
		a.log.Debug("send beacon failed", zap.Stringer("to", to), zap.Error(err))
	}
}

// InterfaceTargets returns one target per IPv4 address on every up,
// non-loopback interface.
func InterfaceTargets() ([]Target, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var targets []Target
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			targets = append(targets, Target{Local: ip4, Broadcast: DirectedBroadcast(ip4, ipnet.Mask)})
		}
	}
	return targets, nil
}

// DirectedBroadcast computes the subnet broadcast address of ip. Without a
// usable IPv4 mask it assumes a /24.
func DirectedBroadcast(ip net.IP, mask net.IPMask) net.IP {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		mask = net.CIDRMask(24, 32)
	}

	out := make(net.IP, net.IPv4len)
	for i := range ip4 {
		out[i] = ip4[i] | ^mask[i]
	}
	return out
}
