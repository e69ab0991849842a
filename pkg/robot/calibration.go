package robot

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// ServoCalibration maps a joint's logical angle range onto its hardware
// pulse range with an affine interpolation. Immutable after construction.
type ServoCalibration struct {
	PulseLow  int     `json:"pulse_low"`
	PulseHigh int     `json:"pulse_high"`
	AngleLow  float64 `json:"angle_low"`
	AngleHigh float64 `json:"angle_high"`
}

// Calibration holds per-joint calibration, keyed by servo ID.
type Calibration map[JointID]ServoCalibration

// DefaultCalibration returns the factory mapping for the Rosmaster arm:
// joints 1-4 and 6 map 0-180 degrees onto pulses 900-3100, the wrist roll
// maps 0-270 degrees onto pulses 380-3700.
func DefaultCalibration() Calibration {
	cal := make(Calibration, NumJoints)
	for _, j := range Joints() {
		if j == WristRoll {
			cal[j] = ServoCalibration{PulseLow: 380, PulseHigh: 3700, AngleLow: 0, AngleHigh: 270}
		} else {
			cal[j] = ServoCalibration{PulseLow: 900, PulseHigh: 3100, AngleLow: 0, AngleHigh: 180}
		}
	}
	return cal
}

// LoadCalibration loads per-joint calibration from a JSON file keyed by
// servo ID.
func LoadCalibration(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration file: %w", err)
	}

	var raw map[JointID]ServoCalibration
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse calibration JSON: %w", err)
	}
	return Calibration(raw), nil
}

// AngleToPulse converts an angle in degrees to the servo's pulse value,
// rounded to the pulse resolution. The angle is clamped to the calibrated
// range first, so out-of-range requests land on the nearest boundary.
func (c ServoCalibration) AngleToPulse(angle float64) int {
	if angle < c.AngleLow {
		angle = c.AngleLow
	}
	if angle > c.AngleHigh {
		angle = c.AngleHigh
	}
	span := c.AngleHigh - c.AngleLow
	if span == 0 {
		return c.PulseLow
	}
	ratio := (angle - c.AngleLow) / span
	return int(math.Round(float64(c.PulseLow) + ratio*float64(c.PulseHigh-c.PulseLow)))
}

// PulseToAngle converts a servo pulse value back to degrees.
func (c ServoCalibration) PulseToAngle(pulse int) float64 {
	span := float64(c.PulseHigh - c.PulseLow)
	if span == 0 {
		return c.AngleLow
	}
	ratio := float64(pulse-c.PulseLow) / span
	return c.AngleLow + ratio*(c.AngleHigh-c.AngleLow)
}

// Resolution returns the angle change represented by one pulse step.
func (c ServoCalibration) Resolution() float64 {
	span := float64(c.PulseHigh - c.PulseLow)
	if span == 0 {
		return 0
	}
	return (c.AngleHigh - c.AngleLow) / span
}

// Limits returns the angle bounds implied by the calibrated range.
func (c Calibration) Limits() map[JointID]Limits {
	limits := make(map[JointID]Limits, len(c))
	for j, sc := range c {
		limits[j] = Limits{MinDeg: sc.AngleLow, MaxDeg: sc.AngleHigh}
	}
	return limits
}
