package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"classlock/internal/clock"
	"classlock/internal/models"
	"classlock/internal/protocol"
)

// Listener receives beacons on the discovery port.
type Listener struct {
	port  int
	clock clock.Clock
	log   *zap.Logger
}

func NewListener(port int, clk clock.Clock, log *zap.Logger) *Listener {
	return &Listener{port: port, clock: clk, log: log.Named("listener")}
}

func (l *Listener) Run(ctx context.Context, out chan<- models.Candidate) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: l.port})
	if err != nil {
		return fmt.Errorf("listen for beacons on %d: %w", l.port, err)
	}
	l.log.Info("listening for beacons", zap.Int("port", l.port))
	return l.serve(ctx, conn, out)
}

func (l *Listener) serve(ctx context.Context, conn net.PacketConn, out chan<- models.Candidate) error {
	done := make(chan struct{})
	defer close(done)
	// the socket is released before Run returns
	defer conn.Close()
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read beacon: %w", err)
		}

		beacon, err := protocol.ParseBeacon(buf[:n])
		if err != nil {
			continue
		}
		// the sender's address is the one that is reachable from here
		if udp, ok := from.(*net.UDPAddr); ok {
			beacon.IP = udp.IP.String()
		}

		select {
		case out <- models.CandidateFromBeacon(beacon, l.clock.Now()):
		case <-ctx.Done():
			return nil
		}
	}
}
