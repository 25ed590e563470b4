package service

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrGeneratorOpen indica que el circuito esta abierto y no se intento la llamada.
var ErrGeneratorOpen = errors.New("network generator circuit open")

type BreakerSettings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// BreakerGenerator corta las llamadas al generador remoto tras fallos consecutivos.
type BreakerGenerator struct {
	next TextGenerator
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerGenerator(next TextGenerator, s BreakerSettings, logger *zap.Logger) *BreakerGenerator {
	if s.MaxFailures == 0 {
		s.MaxFailures = 3
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	st := gobreaker.Settings{
		Name:        "ai-network-generator",
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		// una cancelacion del llamador no cuenta como fallo del proveedor
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &BreakerGenerator{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *BreakerGenerator) Generate(ctx context.Context, in GenerationInput) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Generate(ctx, in)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", ErrGeneratorOpen
	}
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (b *BreakerGenerator) State() gobreaker.State {
	return b.cb.State()
}
