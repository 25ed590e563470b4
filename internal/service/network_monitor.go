package service

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"habit-chat/internal/stream"
)

// NetworkMonitor mantiene la señal de disponibilidad de red.
type NetworkMonitor struct {
	available atomic.Bool
	updates   *stream.Broadcaster[bool]
	logger    *zap.Logger
}

func NewNetworkMonitor(initial bool, logger *zap.Logger) *NetworkMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &NetworkMonitor{updates: stream.NewBroadcaster[bool](1), logger: logger}
	m.available.Store(initial)
	m.updates.Publish(initial)
	return m
}

func (m *NetworkMonitor) Available() bool {
	return m.available.Load()
}

func (m *NetworkMonitor) Set(available bool) {
	if m.available.Swap(available) != available {
		m.logger.Info("network: disponibilidad cambiada", zap.Bool("available", available))
		m.updates.Publish(available)
	}
}

// Updates emite el ultimo valor conocido y cada cambio.
func (m *NetworkMonitor) Updates() (<-chan bool, func()) {
	return m.updates.Subscribe()
}

// Probe ejecuta check cada interval hasta que ctx termine.
func (m *NetworkMonitor) Probe(ctx context.Context, interval time.Duration, check func(context.Context) error) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	run := func() {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := check(probeCtx)
		if err != nil && ctx.Err() == nil {
			m.logger.Debug("network: probe fallido", zap.Error(err))
		}
		if ctx.Err() == nil {
			m.Set(err == nil)
		}
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// StaticSignal es una señal fija, util en pruebas y en el CLI.
type StaticSignal bool

func (s StaticSignal) Available() bool { return bool(s) }
