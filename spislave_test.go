package spislave

import (
	"bytes"
	"testing"

	"github.com/pio-devices/spislave/internal/hwsim"
)

// Simulated bus pin assignment. The input program addresses clock and
// chip-select relative to the data-in pin, so the first three are fixed
// in order.
const (
	pinSDI = 0
	pinSCK = 1
	pinCSN = 2
	pinSDO = 3
)

// armedPC is where the input program blocks once it has consumed a byte
// budget: the wait for chip-select assertion.
const armedPC = 1

type simRig struct {
	bus    *hwsim.Bus
	master *hwsim.Master
	in     *hwsim.SM
	dev    *Device
}

// newSimRig assembles a Device over simulated hardware running the real
// shift programs. duplex adds the output sequencer and its copy engine.
func newSimRig(t *testing.T, cfg Config, duplex bool) *simRig {
	t.Helper()
	bus := hwsim.NewBus()
	master, csLine := hwsim.NewMaster(bus, pinSDI, pinSCK, pinCSN, pinSDO)
	in := bus.NewSM(spiInInstructions, hwsim.SMConfig{
		WrapTarget: spiInWrapTarget,
		Wrap:       spiInWrap,
		InBase:     pinSDI,
		JmpPin:     pinSCK,
		AutoPush:   true,
		PushThresh: 8,
		AutoPull:   true,
		PullThresh: 32,
	})
	hw := Hardware{
		In:     in,
		RxCopy: bus.NewEngine(in, true),
		CS:     csLine,
	}
	if duplex {
		out := bus.NewSM(spiOutInstructions, hwsim.SMConfig{
			WrapTarget: spiOutWrapTarget,
			Wrap:       spiOutWrap,
			InBase:     pinSDI,
			OutBase:    pinSDO,
			AutoPull:   true,
			PullThresh: 8,
		})
		hw.Out = out
		hw.TxCopy = bus.NewEngine(out, false)
	}
	dev, err := New(hw, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(dev.Deinit)
	return &simRig{bus: bus, master: master, in: in, dev: dev}
}

// exchange clocks msg from a background master once the device is armed,
// and waits for the master to finish before returning.
func (r *simRig) exchange(msg []byte) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.in.WaitTrapped(armedPC)
		r.master.Exchange(msg)
	}()
	<-done
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*37 + 1)
	}
	return b
}

func TestReadCounts(t *testing.T) {
	for _, tc := range []struct {
		name   string
		buflen int
		sent   int
		want   int
	}{
		{"empty", 8, 0, 0},
		{"single", 8, 1, 1},
		{"partial", 8, 3, 3},
		{"exact", 8, 8, 8},
		{"overrun", 8, 20, 8},
		{"large exact", 256, 256, 256},
		{"large overrun", 64, 100, 64},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rig := newSimRig(t, Config{Buffer: make([]byte, tc.buflen)}, false)
			msg := pattern(tc.sent)
			done := make(chan struct{})
			go func() {
				defer close(done)
				rig.in.WaitTrapped(armedPC)
				rig.master.Exchange(msg)
			}()
			got, err := rig.dev.Read()
			<-done
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tc.want {
				t.Fatalf("received %d bytes, want %d", len(got), tc.want)
			}
			if !bytes.Equal(got, msg[:tc.want]) {
				t.Errorf("received %x, want %x", got, msg[:tc.want])
			}
		})
	}
}

// An overrun whose first excess bit is a one leaves that bit in the input
// shift register ahead of the report. The byte count must still come out
// as the full buffer.
func TestOverrunExcessOnes(t *testing.T) {
	rig := newSimRig(t, Config{Buffer: make([]byte, 4)}, false)
	msg := []byte{0x11, 0x22, 0x33, 0x44, 0xFF, 0xFF}
	done := make(chan struct{})
	go func() {
		defer close(done)
		rig.in.WaitTrapped(armedPC)
		rig.master.Exchange(msg)
	}()
	got, err := rig.dev.Read()
	<-done
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg[:4]) {
		t.Fatalf("received %x, want %x", got, msg[:4])
	}
}

func TestReadSequential(t *testing.T) {
	rig := newSimRig(t, Config{Buffer: make([]byte, 16)}, false)
	for _, msg := range [][]byte{
		[]byte("first"),
		[]byte("second transfer"),
		{},
		[]byte("x"),
	} {
		done := make(chan struct{})
		go func() {
			defer close(done)
			rig.in.WaitTrapped(armedPC)
			rig.master.Exchange(msg)
		}()
		got, err := rig.dev.Next()
		<-done
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("received %q, want %q", got, msg)
		}
	}
}

func TestReadNoBuffer(t *testing.T) {
	rig := newSimRig(t, Config{}, false)
	if _, err := rig.dev.Read(); err != ErrNoBuffer {
		t.Fatalf("Read() err = %v, want ErrNoBuffer", err)
	}
	if _, err := rig.dev.Next(); err != ErrNoBuffer {
		t.Fatalf("Next() err = %v, want ErrNoBuffer", err)
	}
}

func TestReadIntoNoCallback(t *testing.T) {
	rig := newSimRig(t, Config{Buffer: make([]byte, 8)}, false)
	if err := rig.dev.ReadInto(make([]byte, 8)); err != ErrNoCallback {
		t.Fatalf("ReadInto() err = %v, want ErrNoCallback", err)
	}
}

func TestReadIntoCallback(t *testing.T) {
	counts := make(chan int, 1)
	rig := newSimRig(t, Config{Callback: func(n int) { counts <- n }}, false)
	buf := make([]byte, 8)
	if err := rig.dev.ReadInto(buf); err != nil {
		t.Fatal(err)
	}
	msg := []byte("hello")
	rig.exchange(msg)
	if n := <-counts; n != len(msg) {
		t.Fatalf("callback n = %d, want %d", n, len(msg))
	}
	if !bytes.Equal(buf[:len(msg)], msg) {
		t.Fatalf("buffer holds %q, want %q", buf[:len(msg)], msg)
	}
}

// The callback fires only for transfers armed by ReadInto, not for ones
// armed by the blocking calls.
func TestCallbackOnlyAfterReadInto(t *testing.T) {
	counts := make(chan int, 1)
	rig := newSimRig(t, Config{
		Buffer:   make([]byte, 8),
		Callback: func(n int) { counts <- n },
	}, false)
	done := make(chan struct{})
	go func() {
		defer close(done)
		rig.in.WaitTrapped(armedPC)
		rig.master.Exchange([]byte("abc"))
	}()
	if _, err := rig.dev.Read(); err != nil {
		t.Fatal(err)
	}
	<-done
	select {
	case n := <-counts:
		t.Fatalf("unexpected callback with n = %d", n)
	default:
	}
}

func TestAsReadInto(t *testing.T) {
	rig := newSimRig(t, Config{}, false)
	buf := make([]byte, 16)
	msg := []byte("async transfer")
	done := make(chan struct{})
	go func() {
		defer close(done)
		rig.in.WaitTrapped(armedPC)
		rig.master.Exchange(msg)
	}()
	n := rig.dev.AsReadInto(buf)
	<-done
	if n != len(msg) {
		t.Fatalf("AsReadInto = %d, want %d", n, len(msg))
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("buffer holds %q, want %q", buf[:n], msg)
	}
}

// duplexRoundTrip arms a blocking read and clocks msg through, returning
// what the master observed on the slave's output pin.
func duplexRoundTrip(t *testing.T, rig *simRig, msg []byte) []byte {
	t.Helper()
	var miso []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		rig.in.WaitTrapped(armedPC)
		miso = rig.master.Exchange(msg)
	}()
	if _, err := rig.dev.Read(); err != nil {
		t.Fatal(err)
	}
	<-done
	return miso
}

func TestWriteOnce(t *testing.T) {
	rig := newSimRig(t, Config{Buffer: make([]byte, 8)}, true)
	reply := []byte("abc")
	rig.dev.Write(reply, 1)

	miso := duplexRoundTrip(t, rig, []byte("xyz"))
	if !bytes.Equal(miso, reply) {
		t.Fatalf("master read %x, want %x", miso, reply)
	}

	// reps exhausted: the output sequencer stays idle and the data-out
	// pin holds the last driven level. "c" ends in a one bit.
	miso = duplexRoundTrip(t, rig, []byte("xyz"))
	if !bytes.Equal(miso, []byte{0xFF, 0xFF, 0xFF}) {
		t.Fatalf("master read %x after reps exhausted, want all ones", miso)
	}
}

func TestWriteReps(t *testing.T) {
	rig := newSimRig(t, Config{Buffer: make([]byte, 4)}, true)
	reply := []byte{0xA5, 0x5A, 0xC3, 0x3C}
	rig.dev.Write(reply, 2)
	for i := 0; i < 2; i++ {
		if miso := duplexRoundTrip(t, rig, make([]byte, 4)); !bytes.Equal(miso, reply) {
			t.Fatalf("transfer %d: master read %x, want %x", i, miso, reply)
		}
	}
	// Third transfer: nothing staged, pin holds low (0x3C ends in a zero).
	if miso := duplexRoundTrip(t, rig, make([]byte, 4)); !bytes.Equal(miso, make([]byte, 4)) {
		t.Fatalf("master read %x after reps exhausted, want all zeroes", miso)
	}
}

func TestWriteForever(t *testing.T) {
	rig := newSimRig(t, Config{Buffer: make([]byte, 2)}, true)
	reply := []byte{0x81, 0x18}
	rig.dev.Write(reply, -1)
	for i := 0; i < 5; i++ {
		if miso := duplexRoundTrip(t, rig, make([]byte, 2)); !bytes.Equal(miso, reply) {
			t.Fatalf("transfer %d: master read %x, want %x", i, miso, reply)
		}
	}
}

// A staged buffer shorter than the transfer underruns benignly: the output
// pin repeats its final level for the remaining bits.
func TestWriteShorterThanTransfer(t *testing.T) {
	rig := newSimRig(t, Config{Buffer: make([]byte, 4)}, true)
	rig.dev.Write([]byte{0xF0, 0x01}, 1)
	miso := duplexRoundTrip(t, rig, make([]byte, 4))
	want := []byte{0xF0, 0x01, 0xFF, 0xFF}
	if !bytes.Equal(miso, want) {
		t.Fatalf("master read %x, want %x", miso, want)
	}
}

// Write replaces any previously staged buffer outright.
func TestWriteReplaces(t *testing.T) {
	rig := newSimRig(t, Config{Buffer: make([]byte, 3)}, true)
	rig.dev.Write([]byte("old"), -1)
	rig.dev.Write([]byte("new"), 1)
	miso := duplexRoundTrip(t, rig, make([]byte, 3))
	if !bytes.Equal(miso, []byte("new")) {
		t.Fatalf("master read %q, want %q", miso, "new")
	}
}

// Write stages a copy, so the caller may scribble on its buffer right away.
func TestWriteCopies(t *testing.T) {
	rig := newSimRig(t, Config{Buffer: make([]byte, 3)}, true)
	reply := []byte("abc")
	rig.dev.Write(reply, 1)
	copy(reply, "zzz")
	miso := duplexRoundTrip(t, rig, make([]byte, 3))
	if !bytes.Equal(miso, []byte("abc")) {
		t.Fatalf("master read %q, want %q", miso, "abc")
	}
}

// A chip-select pulse with no transfer armed is reported and swallowed;
// the device still works afterwards.
func TestMissedTransfer(t *testing.T) {
	rig := newSimRig(t, Config{Buffer: make([]byte, 8)}, false)
	rig.master.Exchange([]byte{0xDE, 0xAD})

	msg := []byte("after")
	done := make(chan struct{})
	go func() {
		defer close(done)
		rig.in.WaitTrapped(armedPC)
		rig.master.Exchange(msg)
	}()
	got, err := rig.dev.Read()
	<-done
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("received %q, want %q", got, msg)
	}
}

func TestDeinitTwice(t *testing.T) {
	rig := newSimRig(t, Config{
		Buffer:   make([]byte, 8),
		Callback: func(int) {},
	}, true)
	rig.dev.Deinit()
	rig.dev.Deinit()
}

func TestNewValidation(t *testing.T) {
	bus := hwsim.NewBus()
	_, line := hwsim.NewMaster(bus, pinSDI, pinSCK, pinCSN, pinSDO)
	in := bus.NewSM(spiInInstructions, hwsim.SMConfig{
		Wrap: spiInWrap, WrapTarget: spiInWrapTarget,
		AutoPush: true, PushThresh: 8, AutoPull: true, PullThresh: 32,
	})
	rx := bus.NewEngine(in, true)

	if _, err := New(Hardware{RxCopy: rx, CS: line}, Config{}); err != errIncompleteHardware {
		t.Fatalf("missing input shifter: err = %v", err)
	}
	if _, err := New(Hardware{In: in, RxCopy: rx, CS: line, Out: in}, Config{}); err != errUnpairedOutput {
		t.Fatalf("unpaired output: err = %v", err)
	}
}

func TestParseBudgetReport(t *testing.T) {
	for _, tc := range []struct {
		raw       uint32
		remaining uint32
		overflow  bool
	}{
		{0, 0, false},
		{64, 8, false}, // 64 unused bits -> 8 bytes
		{40, 5, false},
		{42, 5, false},                     // partial bytes are not counted
		{0x3FFFFFFF, 0, true},              // clean overrun report
		{1<<30 | 0x3FFFFFFF, 0, true},      // overrun with a stray one bit
		{0x7FFFFFE << 3, 0x7FFFFFE, false}, // largest countable remainder
	} {
		rep := parseBudgetReport(tc.raw)
		if rep.overflowed != tc.overflow || rep.remaining != tc.remaining {
			t.Errorf("parseBudgetReport(%#x) = %+v, want remaining=%d overflow=%v",
				tc.raw, rep, tc.remaining, tc.overflow)
		}
	}
}
