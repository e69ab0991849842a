// Package teleop provides keyboard teleoperation control for the arm.
//
// The controller runs a fixed-rate loop that drains key events from a
// bounded queue, advances the lock/torque state machine, and writes target
// joint angles through the motor bus. While torque is disabled the target
// vector tracks the physically observed pose, so re-enabling torque never
// snaps the arm back to a stale command.
package teleop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rosarm/pkg/robot"
)

// eventQueueSize bounds the key event queue. Pushes beyond it are dropped.
const eventQueueSize = 64

// degradedAfter is the number of consecutive failed hardware reads after
// which the connection is reported as degraded.
const degradedAfter = 3

// feedbackMaxAge bounds how old a SendFeedback pose may be and still
// preempt a live hardware read. Anything older is ignored so a stale
// external pose cannot cause a one-shot snap-back at torque enable.
const feedbackMaxAge = 500 * time.Millisecond

// Actuator is what the controller needs from the hardware side.
// robot.Arm implements it.
type Actuator interface {
	SendAction(map[robot.JointID]float64) (map[robot.JointID]bool, error)
	GetObservation(ctx context.Context) (map[robot.JointID]float64, error)
	SetTorque(enabled bool) error
	Close() error
}

// State is a snapshot published to observers after every tick.
type State struct {
	Target    map[robot.JointID]float64
	Observed  map[robot.JointID]float64 // nil when this tick's read failed
	Locked    bool
	TorqueOn  bool
	Degraded  bool
	Timestamp time.Time
	Error     error
}

// Config holds configuration for the controller.
type Config struct {
	Hz          int
	StepDegrees float64
	Limits      map[robot.JointID]robot.Limits
	Neutral     map[robot.JointID]float64
}

// Controller manages the teleoperation control loop. All state is owned by
// the loop goroutine; the only cross-thread inputs are the bounded key
// event queue and the feedback mailbox.
type Controller struct {
	act  Actuator
	hz   int
	step float64

	limits map[robot.JointID]robot.Limits
	events chan KeyEvent

	// Loop-owned state.
	locked    bool
	torqueOn  bool
	target    map[robot.JointID]float64
	pressed   map[Key]bool
	observed  map[robot.JointID]float64
	readFails int
	dropped   int

	// Feedback mailbox, written by SendFeedback from other goroutines.
	fbMu       sync.Mutex
	feedback   map[robot.JointID]float64
	feedbackAt time.Time

	// now is swapped out in tests to age the feedback mailbox.
	now func() time.Time

	mu      sync.Mutex
	running bool
	closed  bool

	stateCh chan State
	logCh   chan string
}

// NewController creates a controller around an actuator. The session starts
// locked with torque enabled, targeting the neutral pose.
func NewController(act Actuator, cfg Config) *Controller {
	if cfg.Hz <= 0 {
		cfg.Hz = 20
	}
	if cfg.StepDegrees <= 0 {
		cfg.StepDegrees = 2.0
	}
	if cfg.Limits == nil {
		cfg.Limits = robot.DefaultLimits()
	}

	target := make(map[robot.JointID]float64, robot.NumJoints)
	for _, j := range robot.Joints() {
		target[j] = 90.0
	}
	for j, a := range cfg.Neutral {
		target[j] = cfg.Limits[j].Clamp(a)
	}

	return &Controller{
		act:      act,
		hz:       cfg.Hz,
		step:     cfg.StepDegrees,
		limits:   cfg.Limits,
		events:   make(chan KeyEvent, eventQueueSize),
		locked:   true,
		torqueOn: true,
		target:   target,
		pressed:  make(map[Key]bool),
		stateCh:  make(chan State, 1),
		logCh:    make(chan string, 10),
		now:      time.Now,
	}
}

// Push queues a key event without blocking. Events beyond the queue bound
// are dropped; teleoperation degrades to missed keystrokes, never to a
// stalled input thread.
func (c *Controller) Push(ev KeyEvent) {
	select {
	case c.events <- ev:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

// SendFeedback pushes authoritative joint positions into the controller,
// e.g. from a recording pipeline that has fresher readings than the bus.
// While torque is disabled the next tick adopts them as the target.
func (c *Controller) SendFeedback(positions map[robot.JointID]float64) {
	fb := make(map[robot.JointID]float64, len(positions))
	for j, a := range positions {
		fb[j] = a
	}
	c.fbMu.Lock()
	c.feedback = fb
	c.feedbackAt = c.now()
	c.fbMu.Unlock()
}

// States returns a channel that receives state updates.
func (c *Controller) States() <-chan State {
	return c.stateCh
}

// Logs returns a channel that receives log messages.
func (c *Controller) Logs() <-chan string {
	return c.logCh
}

// Hz returns the control frequency.
func (c *Controller) Hz() int {
	return c.hz
}

// Close releases the actuator. Safe to call after the loop has already shut
// the session down.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.act.Close()
}

func (c *Controller) log(format string, args ...any) {
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	select {
	case c.logCh <- msg:
	default:
		// Drop if channel full
	}
}

// Start begins the teleoperation control loop and blocks until the session
// ends (disconnect key) or ctx is cancelled. Either way the hardware is
// left with torque disabled and the connection closed.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("already running")
	}
	c.running = true
	c.mu.Unlock()

	if err := c.act.SetTorque(true); err != nil {
		c.log("Warning: failed to enable torque: %v", err)
	}
	c.log("Teleoperation started at %d Hz (locked, torque on)", c.hz)
	c.log("space: lock/unlock  z/x: torque on/off  esc: disconnect")

	ticker := time.NewTicker(time.Second / time.Duration(c.hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-ticker.C:
			if done := c.tick(ctx); done {
				c.shutdown()
				return nil
			}
		}
	}
}

// drained collects the per-tick effects of the queued input events.
type drained struct {
	disconnect  bool
	lockToggles int
	torqueOn    bool
	torqueOff   bool
	taps        map[Key]bool // movement keys pressed this tick, even if already released
}

// drain empties the event queue without blocking, updating the pressed-key
// set and collecting edge-triggered control events. An empty queue is the
// normal case.
func (c *Controller) drain() drained {
	var d drained
	for {
		select {
		case ev := <-c.events:
			if !ev.Pressed {
				delete(c.pressed, ev.Key)
				continue
			}
			switch ev.Key {
			case KeyDisconnect:
				d.disconnect = true
			case KeyLockToggle:
				d.lockToggles++
			case KeyTorqueOn:
				d.torqueOn = true
			case KeyTorqueOff:
				d.torqueOff = true
			default:
				c.pressed[ev.Key] = true
				if _, ok := jointDeltas[ev.Key]; ok {
					if d.taps == nil {
						d.taps = make(map[Key]bool)
					}
					d.taps[ev.Key] = true
				}
			}
		default:
			return d
		}
	}
}

// tick runs one control cycle. It reports true when the session should end.
// The transition order is fixed: disconnect, lock toggle, torque toggle,
// position sync, movement, write, read-back.
func (c *Controller) tick(ctx context.Context) (done bool) {
	d := c.drain()

	if d.disconnect {
		c.log("Disconnect requested")
		return true
	}

	for i := 0; i < d.lockToggles; i++ {
		c.locked = !c.locked
		if c.locked {
			c.log("Position control LOCKED")
		} else {
			c.log("Position control unlocked")
		}
	}

	if d.torqueOn && !c.torqueOn {
		c.enableTorque(ctx)
	}
	if d.torqueOff && c.torqueOn {
		c.disableTorque()
	}

	var synced map[robot.JointID]float64
	if !c.torqueOn {
		synced = c.syncToHardware(ctx)
	}

	if !c.locked && c.torqueOn {
		// One step per key per tick: held keys repeat, but a tap that was
		// released before this tick still counts once.
		for key := range c.pressed {
			if jd, ok := jointDeltas[key]; ok {
				c.target[jd.joint] += jd.dir * c.step
			}
		}
		for key := range d.taps {
			if c.pressed[key] {
				continue
			}
			jd := jointDeltas[key]
			c.target[jd.joint] += jd.dir * c.step
		}
	}

	for j, a := range c.target {
		c.target[j] = c.limits[j].Clamp(a)
	}

	var tickErr error
	if _, err := c.act.SendAction(c.target); err != nil {
		tickErr = err
		c.log("Write error: %v", err)
	}

	// Best-effort read-back for telemetry. While torque is off the sync
	// above already fetched the pose this tick; one bus read per tick.
	obs, ok := synced, synced != nil
	if c.torqueOn {
		o, err := c.act.GetObservation(ctx)
		obs, ok = o, err == nil
	}
	c.observed = nil
	if !ok {
		c.readFails++
		if c.readFails == degradedAfter {
			c.log("Degraded connection: %d consecutive read failures", c.readFails)
		}
	} else {
		c.readFails = 0
		c.observed = obs
	}

	c.publish(tickErr)
	return false
}

// enableTorque re-reads the physical pose and adopts it as the target
// before the servos start holding position again. This is what prevents the
// arm from snapping back to the pre-disable target after being posed by
// hand.
func (c *Controller) enableTorque(ctx context.Context) {
	if pose, ok := c.currentPose(ctx); ok {
		for j, a := range pose {
			c.target[j] = c.limits[j].Clamp(a)
		}
	} else {
		// Position unknown: keep the last synced target rather than
		// guessing.
		c.log("Torque enable: read failed, holding last synced target")
	}

	if err := c.act.SetTorque(true); err != nil {
		c.log("Torque enable failed: %v", err)
		return
	}
	c.torqueOn = true
	c.log("Torque ENABLED, servos hold position")
}

func (c *Controller) disableTorque() {
	if err := c.act.SetTorque(false); err != nil {
		c.log("Torque disable failed: %v", err)
		return
	}
	c.torqueOn = false
	c.log("Torque DISABLED, arm can be posed by hand")
}

// syncToHardware overwrites the target with the observed pose while torque
// is off and returns that pose. A failed read leaves the previous target
// untouched and returns nil.
func (c *Controller) syncToHardware(ctx context.Context) map[robot.JointID]float64 {
	pose, ok := c.currentPose(ctx)
	if !ok {
		return nil
	}
	for j, a := range pose {
		c.target[j] = c.limits[j].Clamp(a)
	}
	return pose
}

// currentPose returns the freshest known physical pose: an unconsumed
// feedback push no older than feedbackMaxAge if one exists, otherwise a
// live hardware read.
func (c *Controller) currentPose(ctx context.Context) (map[robot.JointID]float64, bool) {
	c.fbMu.Lock()
	fb := c.feedback
	at := c.feedbackAt
	c.feedback = nil
	c.fbMu.Unlock()
	if fb != nil && c.now().Sub(at) <= feedbackMaxAge {
		return fb, true
	}

	obs, err := c.act.GetObservation(ctx)
	if err != nil {
		return nil, false
	}
	return obs, true
}

func (c *Controller) publish(err error) {
	target := make(map[robot.JointID]float64, len(c.target))
	for j, a := range c.target {
		target[j] = a
	}

	c.sendState(State{
		Target:    target,
		Observed:  c.observed,
		Locked:    c.locked,
		TorqueOn:  c.torqueOn,
		Degraded:  c.readFails >= degradedAfter,
		Timestamp: time.Now(),
		Error:     err,
	})
}

func (c *Controller) sendState(s State) {
	select {
	case c.stateCh <- s:
	default:
		// Drop old state if channel full, replace with new
		select {
		case <-c.stateCh:
		default:
		}
		c.stateCh <- s
	}
}

// shutdown leaves the hardware safe: torque off, connection closed.
func (c *Controller) shutdown() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	if err := c.act.SetTorque(false); err != nil {
		c.log("Warning: failed to disable torque: %v", err)
	}
	if err := c.Close(); err != nil {
		c.log("Warning: close: %v", err)
	}
	c.log("Teleoperation stopped")
}
