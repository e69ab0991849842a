// Package rosarm provides keyboard teleoperation for the Yahboom Rosmaster
// 6-servo robot arm.
//
// The arm is driven through a framed binary protocol on a serial expansion
// board. This module implements the wire codec, a motor bus that suppresses
// redundant commands to protect the servos, and a teleoperation controller
// with a torque-enable safety state machine that avoids "snap back" when
// the arm is repositioned by hand.
//
// # Usage
//
// First, run setup to detect the serial board and write a config file:
//
//	rosarm setup
//
// Then start keyboard teleoperation:
//
//	rosarm teleoperate
//
// # Packages
//
// The module is organized into the following packages:
//
//   - cmd/rosarm: CLI with setup and teleoperate commands
//   - pkg/protocol: wire frame encoding and decoding
//   - pkg/robot: motor bus, unit conversion, and configuration
//   - pkg/teleop: teleoperation controller and key handling
package rosarm
