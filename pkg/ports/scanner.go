// Package ports keeps the port reservation table honest: a background
// scanner probes the managed ranges and records ports taken by processes
// outside the agent's control.
package ports

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/easycicd/easycicd/pkg/log"
	"github.com/easycicd/easycicd/pkg/storage"
	"github.com/easycicd/easycicd/pkg/types"
)

const defaultInterval = 60 * time.Second

// Scanner periodically probes both managed ranges and upserts
// used_by_system rows for ports something else is listening on.
// Reserved rows are never modified.
type Scanner struct {
	store    storage.PortStore
	interval time.Duration
	logger   zerolog.Logger

	// probe is swappable in tests.
	probe func(port int) bool
}

func NewScanner(store storage.PortStore) *Scanner {
	return &Scanner{
		store:    store,
		interval: defaultInterval,
		logger:   log.WithComponent("port-scanner"),
		probe:    probePort,
	}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Sweep(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("port sweep failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep probes every non-reserved port in the application and container
// ranges. A failed bind means some external process holds the port.
func (s *Scanner) Sweep(ctx context.Context) error {
	allocations, err := s.store.ListPorts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list port allocations: %w", err)
	}

	reserved := make(map[int]bool, len(allocations))
	for _, a := range allocations {
		if a.Status == types.PortAllocated {
			reserved[a.Port] = true
		}
	}

	ranges := [][2]int{
		{types.AppPortMin, types.AppPortMax},
		{types.ContainerPortMin, types.ContainerPortMax},
	}
	for _, r := range ranges {
		for port := r[0]; port <= r[1]; port++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if reserved[port] {
				continue
			}
			if s.probe(port) {
				err = s.store.ClearPortUsedBySystem(ctx, port)
			} else {
				err = s.store.MarkPortUsedBySystem(ctx, port)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// probePort reports whether the port is free by attempting to bind it.
func probePort(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
