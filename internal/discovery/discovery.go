// Package discovery advertises controller sessions on the local network
// and turns received beacons into candidates.
//
// Discovery is advisory. Nothing here is acknowledged or retried; a
// participant that picks a stale candidate finds out when it connects.
package discovery

import (
	"context"

	"classlock/internal/models"
)

// Source produces candidates until ctx is cancelled. Implementations are
// restartable: every Run opens its own resources.
type Source interface {
	Run(ctx context.Context, out chan<- models.Candidate) error
}

// maxDatagram bounds a single beacon read. Beacons are a few hundred bytes.
const maxDatagram = 4096
