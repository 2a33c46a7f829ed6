package battery

import (
	"context"
	"fmt"
	"sync"

	"github.com/gridpulse/fleetsched/core/model"
)

// CommandRunner executes one charge or discharge command against the
// battery hardware and reports the rate actually achieved. Failed
// commands are reported once and never retried by the executor; retry
// policy for physical actuation belongs to the hardware layer.
type CommandRunner interface {
	RunCommand(ctx context.Context, mode model.Mode, rateKW float64) (float64, error)
}

// Conversion losses observed on the reference inverter.
const (
	chargeEfficiency    = 0.97
	dischargeEfficiency = 0.98
)

// SimulatedBattery is a CommandRunner for development and tests. It
// enforces the hardware rate limit, applies fixed conversion losses and
// tracks the state of charge across commands.
type SimulatedBattery struct {
	MaxRateKW   float64
	CapacityKWh float64
	// StepHours is the wall-clock span one command covers when updating
	// the state of charge. Zero means half an hour, the entry granularity.
	StepHours float64

	mu  sync.Mutex
	soc float64 // state of charge [0,1]
}

// NewSimulatedBattery creates a battery at the given state of charge.
func NewSimulatedBattery(maxRateKW, capacityKWh, soc float64) *SimulatedBattery {
	if soc < 0 {
		soc = 0
	}
	if soc > 1 {
		soc = 1
	}
	return &SimulatedBattery{MaxRateKW: maxRateKW, CapacityKWh: capacityKWh, soc: soc}
}

// SoC returns the current state of charge.
func (b *SimulatedBattery) SoC() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.soc
}

// RunCommand applies the command and returns the achieved rate.
func (b *SimulatedBattery) RunCommand(_ context.Context, mode model.Mode, rateKW float64) (float64, error) {
	if rateKW < 0 {
		return 0, fmt.Errorf("negative rate %g", rateKW)
	}
	if rateKW > b.MaxRateKW {
		return 0, fmt.Errorf("rate %g exceeds hardware limit %g", rateKW, b.MaxRateKW)
	}

	step := b.StepHours
	if step <= 0 {
		step = 0.5
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch mode {
	case model.ModeCharge:
		if b.soc >= 1 {
			return 0, fmt.Errorf("battery full")
		}
		achieved := rateKW * chargeEfficiency
		b.applyLocked(achieved * step)
		return achieved, nil
	case model.ModeDischarge:
		if b.soc <= 0 {
			return 0, fmt.Errorf("battery empty")
		}
		b.applyLocked(-rateKW * step)
		return rateKW * dischargeEfficiency, nil
	default:
		return 0, fmt.Errorf("invalid mode %d", int(mode))
	}
}

// applyLocked shifts the state of charge by the given energy in kWh,
// clamped to [0,1]. Cells deliver rate*step on discharge; on charge only
// the post-loss energy lands in them.
func (b *SimulatedBattery) applyLocked(kwh float64) {
	if b.CapacityKWh <= 0 {
		return
	}
	b.soc += kwh / b.CapacityKWh
	if b.soc < 0 {
		b.soc = 0
	}
	if b.soc > 1 {
		b.soc = 1
	}
}

// Drift shifts the state of charge directly, a test hook for forcing
// boundary conditions.
func (b *SimulatedBattery) Drift(delta float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.soc += delta
	if b.soc < 0 {
		b.soc = 0
	}
	if b.soc > 1 {
		b.soc = 1
	}
}
