package transport

import (
	"context"
	"math/rand/v2"
	"sync"
)

// Sim produces simulated readings for bench runs without hardware.
type Sim struct {
	mu           sync.Mutex
	rng          *rand.Rand
	min, max     int
	failureRate  float64
	timeoutRate  float64
	failureValue byte
}

// SimConfig holds the parameters needed to create a Sim.
type SimConfig struct {
	MinValue     int
	MaxValue     int
	FailureRate  float64
	TimeoutRate  float64
	FailureValue byte
	Seed         uint64
}

// NewSim creates a simulated transport.
func NewSim(c SimConfig) *Sim {
	lo, hi := min(max(c.MinValue, 0), 255), min(c.MaxValue, 255)
	if hi < lo {
		hi = lo
	}
	return &Sim{
		rng:          rand.New(rand.NewPCG(c.Seed, c.Seed^0x9e3779b97f4a7c15)),
		min:          lo,
		max:          hi,
		failureRate:  c.FailureRate,
		timeoutRate:  c.TimeoutRate,
		failureValue: c.FailureValue,
	}
}

// Request returns a random reading, a failure sentinel or ErrTimeout.
func (s *Sim) Request(ctx context.Context, nodeID string, cmd byte) (byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, ErrTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	roll := s.rng.Float64()
	switch {
	case roll < s.timeoutRate:
		return 0, ErrTimeout
	case roll < s.timeoutRate+s.failureRate:
		return s.failureValue, nil
	}
	return byte(s.min + s.rng.IntN(s.max-s.min+1)), nil
}

// Register is a no-op; simulated nodes need no address.
func (s *Sim) Register(nodeID, address string) {}

// Forget is a no-op.
func (s *Sim) Forget(nodeID string) {}
