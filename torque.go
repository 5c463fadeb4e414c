package orca_hand

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// TorqueManager is the single gate between motion commands and energized actuators.
type TorqueManager struct {
	mu      sync.RWMutex
	bus     ActuatorBus
	ids     []int
	enabled bool
	logger  logging.Logger
}

func NewTorqueManager(bus ActuatorBus, ids []int, logger logging.Logger) *TorqueManager {
	return &TorqueManager{
		bus:    bus,
		ids:    append([]int(nil), ids...),
		logger: logger,
	}
}

// Enabled reports whether motion is currently allowed.
func (t *TorqueManager) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// Require fails with ErrTorqueDisabled unless torque is enabled.
func (t *TorqueManager) Require() error {
	if !t.Enabled() {
		return ErrTorqueDisabled
	}
	return nil
}

// Enable energizes every actuator. If any actuator refuses, the ones that did energize are
// switched off again and the gate stays closed.
func (t *TorqueManager) Enable(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := t.bus.SetTorqueEnabled(ctx, t.ids, true)
	if !res.OK() {
		if len(res.Succeeded) > 0 {
			rollback := t.bus.SetTorqueEnabled(ctx, res.Succeeded, false)
			if !rollback.OK() {
				t.logger.Errorf("could not de-energize actuators %v after failed enable", rollback.FailedIDs())
			}
		}
		t.enabled = false
		return res.Err("enable torque")
	}
	t.enabled = true
	t.logger.Debugf("torque enabled on %d actuators", len(t.ids))
	return nil
}

// Disable de-energizes every actuator. The gate closes even when some actuators fail to respond.
func (t *TorqueManager) Disable(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disableLocked(ctx)
}

func (t *TorqueManager) disableLocked(ctx context.Context) error {
	t.enabled = false
	res := t.bus.SetTorqueEnabled(ctx, t.ids, false)
	if !res.OK() {
		t.logger.Errorf("actuators %v may still be energized", res.FailedIDs())
		return res.Err("disable torque")
	}
	t.logger.Debugf("torque disabled on %d actuators", len(t.ids))
	return nil
}

// WithTorqueOff runs fn with the actuators de-energized and restores the previous state afterwards.
// Servos refuse mode and limit changes while energized.
func (t *TorqueManager) WithTorqueOff(ctx context.Context, fn func() error) error {
	wasEnabled := t.Enabled()
	if err := t.Disable(ctx); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	if wasEnabled {
		return errors.Wrap(t.Enable(ctx), "restore torque")
	}
	return nil
}
