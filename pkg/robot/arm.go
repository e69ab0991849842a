package robot

import (
	"context"
	"fmt"
)

// Arm is the upstream surface for external collaborators (the teleop
// controller, recording pipelines). It wraps the motor bus with the
// connect/observe/act lifecycle.
type Arm struct {
	bus *Bus
}

// Connect opens the serial link and enables torque so the arm holds its
// pose and is ready for commands.
func Connect(cfg BusConfig) (*Arm, error) {
	bus, err := Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect arm: %w", err)
	}
	if err := bus.SetTorque(true); err != nil {
		bus.Close()
		return nil, fmt.Errorf("enable torque: %w", err)
	}
	return &Arm{bus: bus}, nil
}

// NewArm wraps an existing bus without touching torque state.
func NewArm(bus *Bus) *Arm {
	return &Arm{bus: bus}
}

// Disconnect disables torque and closes the serial link. The torque-off is
// best effort so a wedged board cannot keep the port open.
func (a *Arm) Disconnect() error {
	offErr := a.bus.SetTorque(false)
	if err := a.bus.Close(); err != nil {
		return err
	}
	return offErr
}

// Close closes the serial link without changing torque state.
func (a *Arm) Close() error {
	return a.bus.Close()
}

// SendAction commands the given joint angles, subject to the bus's flood
// suppression policy. It returns the joints actually written.
func (a *Arm) SendAction(action map[JointID]float64) (map[JointID]bool, error) {
	return a.bus.WritePositions(action)
}

// GetObservation reads the present joint angles from the hardware.
func (a *Arm) GetObservation(ctx context.Context) (map[JointID]float64, error) {
	return a.bus.ReadPositions(ctx)
}

// SetTorque enables or disables torque on all servos.
func (a *Arm) SetTorque(enabled bool) error {
	return a.bus.SetTorque(enabled)
}

// Connected reports whether the serial link is open.
func (a *Arm) Connected() bool {
	return a.bus.Connected()
}

// FirmwareVersion queries the expansion board firmware revision.
func (a *Arm) FirmwareVersion(ctx context.Context) (string, error) {
	return a.bus.FirmwareVersion(ctx)
}
