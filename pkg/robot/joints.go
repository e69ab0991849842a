// Package robot provides abstractions for controlling the Rosmaster arm.
package robot

// JointID identifies a servo in the arm, matching the physical servo IDs 1-6.
type JointID int

// Joint IDs for the Rosmaster arm.
const (
	Base JointID = iota + 1
	Shoulder
	Elbow
	WristPitch
	WristRoll
	Gripper
)

// NumJoints is the number of servos in the arm.
const NumJoints = 6

// Joints returns all joint IDs in servo order.
func Joints() []JointID {
	return []JointID{Base, Shoulder, Elbow, WristPitch, WristRoll, Gripper}
}

// Name returns a human-readable joint name.
func (j JointID) Name() string {
	switch j {
	case Base:
		return "base"
	case Shoulder:
		return "shoulder"
	case Elbow:
		return "elbow"
	case WristPitch:
		return "wrist_pitch"
	case WristRoll:
		return "wrist_roll"
	case Gripper:
		return "gripper"
	}
	return "unknown"
}

// Limits bound the commanded angle of a joint in degrees.
type Limits struct {
	MinDeg float64
	MaxDeg float64
}

// Clamp returns a forced into the joint's range.
func (l Limits) Clamp(a float64) float64 {
	if a < l.MinDeg {
		return l.MinDeg
	}
	if a > l.MaxDeg {
		return l.MaxDeg
	}
	return a
}

// DefaultLimits returns the factory joint ranges: 0-180 degrees everywhere
// except the wrist roll, which sweeps 0-270.
func DefaultLimits() map[JointID]Limits {
	limits := make(map[JointID]Limits, NumJoints)
	for _, j := range Joints() {
		if j == WristRoll {
			limits[j] = Limits{MinDeg: 0, MaxDeg: 270}
		} else {
			limits[j] = Limits{MinDeg: 0, MaxDeg: 180}
		}
	}
	return limits
}
