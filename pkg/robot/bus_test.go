package robot

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"rosarm/pkg/protocol"
)

// fakeConn is a scripted serial connection. Each Read call returns the next
// queued chunk; an empty queue behaves like a serial timeout (0 bytes, no
// error), matching go.bug.st/serial semantics.
type fakeConn struct {
	writes [][]byte
	reads  [][]byte
	closed bool
}

func (f *fakeConn) Write(p []byte) (int, error) {
	frame := make([]byte, len(p))
	copy(frame, p)
	f.writes = append(f.writes, frame)
	return len(p), nil
}

func (f *fakeConn) Read(p []byte) (int, error) {
	if len(f.reads) == 0 {
		return 0, nil
	}
	chunk := f.reads[0]
	f.reads = f.reads[1:]
	return copy(p, chunk), nil
}

func (f *fakeConn) SetReadTimeout(time.Duration) error { return nil }
func (f *fakeConn) ResetInputBuffer() error            { return nil }
func (f *fakeConn) Close() error                       { f.closed = true; return nil }

func newTestBus(conn *fakeConn) (*Bus, *time.Time) {
	bus := NewBus(conn, BusConfig{
		ChangeThreshold: 1.0,
		MinInterval:     100 * time.Millisecond,
		ReadAttempts:    3,
		ReadBackoff:     time.Millisecond,
	})
	clock := time.Unix(1000, 0)
	bus.now = func() time.Time { return clock }
	return bus, &clock
}

func neutralPose() map[JointID]float64 {
	pose := make(map[JointID]float64, NumJoints)
	for _, j := range Joints() {
		pose[j] = 90.0
	}
	return pose
}

func TestWritePositionsFirstWrite(t *testing.T) {
	conn := &fakeConn{}
	bus, _ := newTestBus(conn)

	written, err := bus.WritePositions(neutralPose())
	if err != nil {
		t.Fatalf("WritePositions: %v", err)
	}
	if len(written) != NumJoints {
		t.Fatalf("first write commanded %d joints, want %d", len(written), NumJoints)
	}
	if len(conn.writes) != 1 {
		t.Fatalf("sent %d frames, want 1 array write", len(conn.writes))
	}

	function, payload, err := protocol.Decode(conn.writes[0])
	if err != nil {
		t.Fatalf("sent frame does not decode: %v", err)
	}
	if function != protocol.FuncArmWrite {
		t.Errorf("function = 0x%02X, want FuncArmWrite", function)
	}
	if len(payload) != NumJoints*2+2 {
		t.Fatalf("payload length %d, want %d", len(payload), NumJoints*2+2)
	}

	// 90 degrees on a 0-180 / 900-3100 joint is pulse 2000; the 0-270
	// wrist roll lands elsewhere.
	if got := protocol.Uint16(payload[0], payload[1]); got != 2000 {
		t.Errorf("base pulse = %d, want 2000", got)
	}
	wrist := DefaultCalibration()[WristRoll]
	wantWrist := uint16(wrist.AngleToPulse(90))
	idx := (int(WristRoll) - 1) * 2
	if got := protocol.Uint16(payload[idx], payload[idx+1]); got != wantWrist {
		t.Errorf("wrist roll pulse = %d, want %d", got, wantWrist)
	}
}

func TestWritePositionsIdempotent(t *testing.T) {
	conn := &fakeConn{}
	bus, _ := newTestBus(conn)

	if _, err := bus.WritePositions(neutralPose()); err != nil {
		t.Fatal(err)
	}

	written, err := bus.WritePositions(neutralPose())
	if err != nil {
		t.Fatal(err)
	}
	if len(written) != 0 {
		t.Errorf("unchanged vector wrote %d joints, want 0", len(written))
	}
	if len(conn.writes) != 1 {
		t.Errorf("unchanged vector transmitted a frame: %d total", len(conn.writes))
	}
}

func TestWritePositionsAntiFlood(t *testing.T) {
	conn := &fakeConn{}
	bus, clock := newTestBus(conn)

	if _, err := bus.WritePositions(neutralPose()); err != nil {
		t.Fatal(err)
	}

	// Sub-threshold jitter over many ticks must never hit the wire, even
	// with the rate limit long expired.
	jitter := []float64{0.3, -0.5, 0.8, -0.2, 0.9, -0.9, 0.4, 0.0, -0.7, 0.6}
	for _, d := range jitter {
		*clock = clock.Add(time.Second)
		pose := neutralPose()
		pose[Elbow] = 90.0 + d

		written, err := bus.WritePositions(pose)
		if err != nil {
			t.Fatal(err)
		}
		if len(written) != 0 {
			t.Fatalf("jitter %+f was written", d)
		}
	}
	if len(conn.writes) != 1 {
		t.Errorf("jitter produced %d extra frames", len(conn.writes)-1)
	}
}

func TestWritePositionsSuppressedJointRepeatsLastAngle(t *testing.T) {
	conn := &fakeConn{}
	bus, clock := newTestBus(conn)

	if _, err := bus.WritePositions(neutralPose()); err != nil {
		t.Fatal(err)
	}

	// One joint moves for real while another only jitters. The array frame
	// still addresses all six servos, so the jittering joint must be
	// encoded from its last commanded angle, not the fresh request.
	*clock = clock.Add(time.Second)
	pose := neutralPose()
	pose[Shoulder] = 120.0
	pose[Elbow] = 90.5

	written, err := bus.WritePositions(pose)
	if err != nil {
		t.Fatal(err)
	}
	if !written[Shoulder] || len(written) != 1 {
		t.Fatalf("write-set = %v, want shoulder only", written)
	}
	if len(conn.writes) != 2 {
		t.Fatalf("sent %d frames, want 2", len(conn.writes))
	}

	_, payload, err := protocol.Decode(conn.writes[1])
	if err != nil {
		t.Fatalf("sent frame does not decode: %v", err)
	}

	cal := DefaultCalibration()
	shoulderIdx := (int(Shoulder) - 1) * 2
	wantShoulder := uint16(cal[Shoulder].AngleToPulse(120.0))
	if got := protocol.Uint16(payload[shoulderIdx], payload[shoulderIdx+1]); got != wantShoulder {
		t.Errorf("shoulder pulse = %d, want %d", got, wantShoulder)
	}

	elbowIdx := (int(Elbow) - 1) * 2
	if got := protocol.Uint16(payload[elbowIdx], payload[elbowIdx+1]); got != 2000 {
		t.Errorf("suppressed elbow pulse = %d, want last commanded 2000", got)
	}
	if angle, _ := bus.LastCommanded(Elbow); angle != 90.0 {
		t.Errorf("elbow last commanded = %f, want 90", angle)
	}
}

func TestWritePositionsMinInterval(t *testing.T) {
	conn := &fakeConn{}
	bus, clock := newTestBus(conn)

	if _, err := bus.WritePositions(neutralPose()); err != nil {
		t.Fatal(err)
	}

	pose := neutralPose()
	pose[Shoulder] = 120.0

	// Over threshold but inside the rate limit window: suppressed.
	*clock = clock.Add(50 * time.Millisecond)
	written, err := bus.WritePositions(pose)
	if err != nil {
		t.Fatal(err)
	}
	if len(written) != 0 {
		t.Errorf("write inside min interval was not suppressed")
	}

	// Same request once the window has elapsed: goes through.
	*clock = clock.Add(60 * time.Millisecond)
	written, err = bus.WritePositions(pose)
	if err != nil {
		t.Fatal(err)
	}
	if !written[Shoulder] {
		t.Errorf("write after min interval was suppressed")
	}
}

func TestWritePositionsClamps(t *testing.T) {
	conn := &fakeConn{}
	bus, _ := newTestBus(conn)

	pose := neutralPose()
	pose[Base] = 500.0
	pose[Gripper] = -40.0

	if _, err := bus.WritePositions(pose); err != nil {
		t.Fatal(err)
	}

	if angle, _ := bus.LastCommanded(Base); angle != 180.0 {
		t.Errorf("base committed at %f, want clamped 180", angle)
	}
	if angle, _ := bus.LastCommanded(Gripper); angle != 0.0 {
		t.Errorf("gripper committed at %f, want clamped 0", angle)
	}

	_, payload, err := protocol.Decode(conn.writes[0])
	if err != nil {
		t.Fatal(err)
	}
	if got := protocol.Uint16(payload[0], payload[1]); got != 3100 {
		t.Errorf("base pulse = %d, want boundary 3100", got)
	}
}

func TestWritePositionsSingleJoint(t *testing.T) {
	conn := &fakeConn{}
	bus, _ := newTestBus(conn)

	// With no history for the other joints the array write cannot be used.
	written, err := bus.WritePositions(map[JointID]float64{Elbow: 45.0})
	if err != nil {
		t.Fatal(err)
	}
	if !written[Elbow] || len(written) != 1 {
		t.Fatalf("written = %v", written)
	}

	function, payload, err := protocol.Decode(conn.writes[0])
	if err != nil {
		t.Fatal(err)
	}
	if function != protocol.FuncServoWrite {
		t.Errorf("function = 0x%02X, want FuncServoWrite", function)
	}
	if payload[0] != byte(Elbow) {
		t.Errorf("servo id = %d, want %d", payload[0], Elbow)
	}
	want := uint16(DefaultCalibration()[Elbow].AngleToPulse(45.0))
	if got := protocol.Uint16(payload[1], payload[2]); got != want {
		t.Errorf("pulse = %d, want %d", got, want)
	}
}

func TestReadPositions(t *testing.T) {
	conn := &fakeConn{}
	bus, _ := newTestBus(conn)

	angles := []float64{10, 45, 90, 135, 180, 240}
	cal := DefaultCalibration()
	var payload []byte
	for i, j := range Joints() {
		payload = protocol.PutUint16(payload, uint16(cal[j].AngleToPulse(angles[i])))
	}
	response := protocol.Encode(protocol.DeviceID, protocol.FuncArmRead, payload)

	// Deliver the response with a garbage prefix, split across two reads.
	conn.reads = [][]byte{
		append([]byte{0x00, 0xFF, 0x13}, response[:4]...),
		response[4:],
	}

	positions, err := bus.ReadPositions(context.Background())
	if err != nil {
		t.Fatalf("ReadPositions: %v", err)
	}

	for i, j := range Joints() {
		res := cal[j].Resolution()
		if diff := positions[j] - angles[i]; diff > res || diff < -res {
			t.Errorf("joint %d: read %f, want %f", j, positions[j], angles[i])
		}
	}
}

func TestReadPositionsTimeout(t *testing.T) {
	conn := &fakeConn{}
	bus, _ := newTestBus(conn)

	_, err := bus.ReadPositions(context.Background())
	if !errors.Is(err, ErrReadTimeout) {
		t.Errorf("got %v, want ErrReadTimeout", err)
	}
}

func TestReadPositionsIgnoresStaleFrames(t *testing.T) {
	conn := &fakeConn{}
	bus, _ := newTestBus(conn)

	stale := protocol.Encode(protocol.DeviceID, protocol.FuncVersion, []byte{3, 5})
	payload := bytes.Repeat([]byte{0xD0, 0x07}, NumJoints) // pulse 2000 each
	response := protocol.Encode(protocol.DeviceID, protocol.FuncArmRead, payload)
	conn.reads = [][]byte{append(bytes.Clone(stale), response...)}

	positions, err := bus.ReadPositions(context.Background())
	if err != nil {
		t.Fatalf("ReadPositions: %v", err)
	}
	if got := positions[Base]; got != 90.0 {
		t.Errorf("base = %f, want 90", got)
	}
}

func TestReadPositionsContextCancelled(t *testing.T) {
	conn := &fakeConn{}
	bus, _ := newTestBus(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := bus.ReadPositions(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestSetTorqueFrames(t *testing.T) {
	conn := &fakeConn{}
	bus, _ := newTestBus(conn)

	if err := bus.SetTorque(true); err != nil {
		t.Fatal(err)
	}
	if err := bus.SetTorque(false); err != nil {
		t.Fatal(err)
	}

	wantOn := []byte{0xFF, 0xFC, 0x02, 0x22, 0x01, 0x25}
	wantOff := []byte{0xFF, 0xFC, 0x02, 0x22, 0x00, 0x24}
	if !bytes.Equal(conn.writes[0], wantOn) {
		t.Errorf("torque on frame = % X, want % X", conn.writes[0], wantOn)
	}
	if !bytes.Equal(conn.writes[1], wantOff) {
		t.Errorf("torque off frame = % X, want % X", conn.writes[1], wantOff)
	}
	if bus.TorqueEnabled() {
		t.Error("TorqueEnabled() = true after disable")
	}
}

func TestFirmwareVersion(t *testing.T) {
	conn := &fakeConn{}
	bus, _ := newTestBus(conn)

	conn.reads = [][]byte{protocol.Encode(protocol.DeviceID, protocol.FuncVersion, []byte{3, 5})}

	version, err := bus.FirmwareVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if version != "3.5" {
		t.Errorf("version = %q, want 3.5", version)
	}
}

func TestBusClosed(t *testing.T) {
	conn := &fakeConn{}
	bus, _ := newTestBus(conn)

	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	if !conn.closed {
		t.Error("underlying connection not closed")
	}

	if _, err := bus.WritePositions(neutralPose()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("WritePositions after close: %v", err)
	}
	if err := bus.SetTorque(false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetTorque after close: %v", err)
	}
}
