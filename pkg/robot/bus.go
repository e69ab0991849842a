package robot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"rosarm/pkg/protocol"
)

// ErrReadTimeout is returned when the board does not produce a valid
// response within the attempt budget. Callers should treat it as "position
// unknown this tick", not as fatal.
var ErrReadTimeout = errors.New("robot: read timeout")

// ErrNotConnected is returned by bus operations after Close.
var ErrNotConnected = errors.New("robot: bus not connected")

// Conn is the duplex byte stream the bus talks over.
// go.bug.st/serial.Port satisfies it.
type Conn interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// BusConfig holds configuration for creating a motor bus.
type BusConfig struct {
	Port        string
	Calibration Calibration

	// Flood suppression policy: a joint is re-commanded only when the
	// requested angle differs from the last commanded one by more than
	// ChangeThreshold degrees and at least MinInterval has elapsed since
	// that joint's last write.
	ChangeThreshold float64
	MinInterval     time.Duration

	// Read polling: up to ReadAttempts reads with ReadBackoff between them.
	ReadAttempts int
	ReadBackoff  time.Duration

	// MoveTime is the servo travel duration sent with position commands.
	MoveTime time.Duration
}

func (c *BusConfig) applyDefaults() {
	if c.Calibration == nil {
		c.Calibration = DefaultCalibration()
	}
	if c.ChangeThreshold == 0 {
		c.ChangeThreshold = 1.0
	}
	if c.MinInterval == 0 {
		c.MinInterval = 100 * time.Millisecond
	}
	if c.ReadAttempts == 0 {
		c.ReadAttempts = 10
	}
	if c.ReadBackoff == 0 {
		c.ReadBackoff = 10 * time.Millisecond
	}
	if c.MoveTime == 0 {
		c.MoveTime = 100 * time.Millisecond
	}
}

type lastCommand struct {
	angle float64
	at    time.Time
}

// Bus owns the serial connection to the arm expansion board and the
// last-known commanded state per joint. All wire traffic goes through a
// single mutex, so a Bus is safe for concurrent use, though in normal
// operation only the control loop drives it.
type Bus struct {
	cfg    BusConfig
	cal    Calibration
	limits map[JointID]Limits

	mu       sync.Mutex
	conn     Conn
	last     map[JointID]lastCommand
	torqueOn bool

	// now is swapped out in tests to drive the rate limiter.
	now func() time.Time
}

// Open opens the serial device at the fixed board rate (115200 8N1) and
// returns a bus ready for use.
func Open(cfg BusConfig) (*Bus, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open port %s: %w", cfg.Port, err)
	}
	return NewBus(port, cfg), nil
}

// NewBus wraps an already-open connection. Used by Open and by tests.
func NewBus(conn Conn, cfg BusConfig) *Bus {
	cfg.applyDefaults()
	return &Bus{
		cfg:    cfg,
		cal:    cfg.Calibration,
		limits: cfg.Calibration.Limits(),
		conn:   conn,
		last:   make(map[JointID]lastCommand, NumJoints),
		now:    time.Now,
	}
}

// Close closes the serial connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// WritePositions commands the requested joint angles, applying the change
// detection and rate limiting policy. It returns the set of joints actually
// written; joints suppressed by the policy are silently skipped. When the
// write-set is empty no frame is transmitted.
func (b *Bus) WritePositions(target map[JointID]float64) (map[JointID]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil, ErrNotConnected
	}

	now := b.now()
	written := make(map[JointID]bool)
	clamped := make(map[JointID]float64, len(target))

	for _, j := range Joints() {
		angle, ok := target[j]
		if !ok {
			continue
		}
		angle = b.limits[j].Clamp(angle)
		clamped[j] = angle

		last, commanded := b.last[j]
		if !commanded {
			written[j] = true
			continue
		}
		delta := angle - last.angle
		if delta < 0 {
			delta = -delta
		}
		if delta > b.cfg.ChangeThreshold && now.Sub(last.at) >= b.cfg.MinInterval {
			written[j] = true
		}
	}

	if len(written) == 0 {
		return written, nil
	}

	if err := b.sendPositions(clamped, written); err != nil {
		return nil, err
	}

	for j := range written {
		b.last[j] = lastCommand{angle: clamped[j], at: now}
	}
	return written, nil
}

// sendPositions transmits the command frames for the given write-set. The
// board's array write addresses all six servos at once, so it is only used
// when every joint has a known value; otherwise each written joint gets a
// single-servo frame.
func (b *Bus) sendPositions(clamped map[JointID]float64, written map[JointID]bool) error {
	moveMs := uint16(b.cfg.MoveTime / time.Millisecond)

	full := true
	for _, j := range Joints() {
		if _, ok := b.commandAngle(j, clamped, written); !ok {
			full = false
			break
		}
	}

	if full {
		payload := make([]byte, 0, NumJoints*2+2)
		for _, j := range Joints() {
			angle, _ := b.commandAngle(j, clamped, written)
			payload = protocol.PutUint16(payload, uint16(b.cal[j].AngleToPulse(angle)))
		}
		payload = protocol.PutUint16(payload, moveMs)
		return b.write(protocol.Encode(protocol.DeviceID, protocol.FuncArmWrite, payload))
	}

	for _, j := range Joints() {
		if !written[j] {
			continue
		}
		payload := []byte{byte(j)}
		payload = protocol.PutUint16(payload, uint16(b.cal[j].AngleToPulse(clamped[j])))
		payload = protocol.PutUint16(payload, moveMs)
		if err := b.write(protocol.Encode(protocol.DeviceID, protocol.FuncServoWrite, payload)); err != nil {
			return err
		}
	}
	return nil
}

// commandAngle picks the value to put on the wire for a joint. Only joints
// in the write-set carry the fresh request; everything else repeats the last
// commanded angle, so a suppressed joint's jitter never reaches the servos
// just because the array frame addresses all six at once.
func (b *Bus) commandAngle(j JointID, clamped map[JointID]float64, written map[JointID]bool) (float64, bool) {
	if written[j] {
		return clamped[j], true
	}
	if last, ok := b.last[j]; ok {
		return last.angle, true
	}
	if angle, ok := clamped[j]; ok {
		return angle, true
	}
	return 0, false
}

// ReadPositions requests the present position of all joints and polls for a
// matching response. It fails with ErrReadTimeout once the attempt budget is
// exhausted.
func (b *Bus) ReadPositions(ctx context.Context) (map[JointID]float64, error) {
	payload, err := b.request(ctx, protocol.FuncArmRead, []byte{0x01}, NumJoints*2)
	if err != nil {
		return nil, err
	}

	positions := make(map[JointID]float64, NumJoints)
	for i, j := range Joints() {
		pulse := protocol.Uint16(payload[i*2], payload[i*2+1])
		positions[j] = b.cal[j].PulseToAngle(int(pulse))
	}
	return positions, nil
}

// SetTorque enables or disables torque on all servos. With torque disabled
// the servos yield to external force and the arm can be posed by hand.
func (b *Bus) SetTorque(enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return ErrNotConnected
	}

	v := byte(0)
	if enabled {
		v = 1
	}
	if err := b.write(protocol.Encode(protocol.DeviceID, protocol.FuncServoTorque, []byte{v})); err != nil {
		return err
	}
	b.torqueOn = enabled
	return nil
}

// Connected reports whether the serial link is open.
func (b *Bus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// TorqueEnabled reports the last torque state commanded through this bus.
func (b *Bus) TorqueEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.torqueOn
}

// LastCommanded returns the last angle written for a joint, if any.
func (b *Bus) LastCommanded(j JointID) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	last, ok := b.last[j]
	return last.angle, ok
}

// FirmwareVersion queries the expansion board firmware revision.
func (b *Bus) FirmwareVersion(ctx context.Context) (string, error) {
	payload, err := b.request(ctx, protocol.FuncVersion, []byte{0x00}, 2)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d", payload[0], payload[1]), nil
}

// Beep sounds the board buzzer for the given duration.
func (b *Bus) Beep(d time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return ErrNotConnected
	}
	payload := protocol.PutUint16(nil, uint16(d/time.Millisecond))
	return b.write(protocol.Encode(protocol.DeviceID, protocol.FuncBeep, payload))
}

// request sends a query frame and polls for a response with the matching
// function code and payload size, resynchronizing over any garbage or stale
// frames on the wire.
func (b *Bus) request(ctx context.Context, function byte, reqPayload []byte, wantLen int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil, ErrNotConnected
	}

	if err := b.conn.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("reset input buffer: %w", err)
	}
	if err := b.write(protocol.Encode(protocol.DeviceID, function, reqPayload)); err != nil {
		return nil, err
	}

	if err := b.conn.SetReadTimeout(b.cfg.ReadBackoff); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	var buf []byte
	chunk := make([]byte, 64)

	for attempt := 0; attempt < b.cfg.ReadAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := b.conn.Read(chunk)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		buf = append(buf, chunk[:n]...)

		for {
			fn, payload, consumed, err := protocol.Scan(buf)
			if err != nil {
				break // need more bytes
			}
			buf = buf[consumed:]
			if fn == function && len(payload) == wantLen {
				out := make([]byte, wantLen)
				copy(out, payload)
				return out, nil
			}
			// Stale or unrelated frame, keep scanning.
		}
	}
	return nil, fmt.Errorf("%w: no %#02x response in %d attempts",
		ErrReadTimeout, function, b.cfg.ReadAttempts)
}

func (b *Bus) write(frame []byte) error {
	n, err := b.conn.Write(frame)
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("write frame: short write %d of %d bytes", n, len(frame))
	}
	return nil
}
