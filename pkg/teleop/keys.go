package teleop

import "rosarm/pkg/robot"

// Key is a logical key name as reported by the input source. Values match
// bubbletea's KeyMsg.String() so the TUI can forward events directly.
type Key string

// Control keys.
const (
	KeyLockToggle Key = " "   // space: lock/unlock joint movement
	KeyTorqueOn   Key = "z"   // enable torque, servos hold position
	KeyTorqueOff  Key = "x"   // disable torque, arm can be posed by hand
	KeyDisconnect Key = "esc" // end the session
)

// KeyEvent is a discrete key-down or key-up event.
type KeyEvent struct {
	Key     Key
	Pressed bool
}

type jointDelta struct {
	joint robot.JointID
	dir   float64
}

// Movement keys, one +/- pair per joint: q/a, w/s, e/d, r/f, t/g, y/h.
var jointDeltas = map[Key]jointDelta{
	"q": {robot.Base, +1},
	"a": {robot.Base, -1},
	"w": {robot.Shoulder, +1},
	"s": {robot.Shoulder, -1},
	"e": {robot.Elbow, +1},
	"d": {robot.Elbow, -1},
	"r": {robot.WristPitch, +1},
	"f": {robot.WristPitch, -1},
	"t": {robot.WristRoll, +1},
	"g": {robot.WristRoll, -1},
	"y": {robot.Gripper, +1},
	"h": {robot.Gripper, -1},
}

// MovementKey reports the joint and direction a movement key controls.
func MovementKey(k Key) (robot.JointID, float64, bool) {
	d, ok := jointDeltas[k]
	return d.joint, d.dir, ok
}

// IsControlKey reports whether k is consumed by the teleoperation
// controller at all.
func IsControlKey(k Key) bool {
	switch k {
	case KeyLockToggle, KeyTorqueOn, KeyTorqueOff, KeyDisconnect:
		return true
	}
	_, ok := jointDeltas[k]
	return ok
}
