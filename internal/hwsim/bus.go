// Package hwsim models the hardware surface an SPI slave device drives: bit
// sequencers executing real program binaries, byte copy engines paced by
// FIFO occupancy, shared GPIO levels and a chip-select edge line. It exists
// so the transfer protocol can be exercised on a host machine, clock edge by
// clock edge, without an RP2040 attached.
package hwsim

import "sync"

// Bus is the shared signal fabric. All pin levels, sequencer state and copy
// engine state are guarded by one mutex; mutators run the fabric to
// quiescence before releasing it, so observers never see half-stepped state.
type Bus struct {
	mu      sync.Mutex
	pins    uint32
	sms     []*SM
	engines []*Engine
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) pin(n int) bool {
	return b.pins&(1<<n) != 0
}

// setPin flips a level without settling. Caller holds mu and settles.
func (b *Bus) setPin(n int, level bool) {
	if level {
		b.pins |= 1 << n
	} else {
		b.pins &^= 1 << n
	}
}

// SetPin drives one level from outside the fabric, as a bus master would.
func (b *Bus) SetPin(n int, level bool) {
	b.mu.Lock()
	b.setPin(n, level)
	b.settle()
	b.mu.Unlock()
}

// Pin reads one level.
func (b *Bus) Pin(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pin(n)
}

// settle runs sequencers and copy engines until a full pass mutates nothing
// shared. Terminates because every counted pass moves a FIFO word, a copied
// byte or a driven pin, and all of those are bounded between external
// inputs. Caller holds mu.
func (b *Bus) settle() {
	for {
		changed := false
		for _, sm := range b.sms {
			if sm.run() {
				changed = true
			}
		}
		for _, e := range b.engines {
			if e.service() {
				changed = true
			}
		}
		if !changed {
			return
		}
	}
}

// Line is a rising-edge interrupt binding on one pin. The handler runs on
// the goroutine that raised the edge, outside the bus lock, mirroring how a
// GPIO interrupt preempts application code.
type Line struct {
	mu sync.Mutex
	fn func()
}

func (l *Line) Attach(fn func()) error {
	l.mu.Lock()
	l.fn = fn
	l.mu.Unlock()
	return nil
}

func (l *Line) Detach() {
	l.mu.Lock()
	l.fn = nil
	l.mu.Unlock()
}

func (l *Line) invoke() {
	l.mu.Lock()
	fn := l.fn
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Master clocks transfers into the fabric the way an SPI bus master does:
// chip select framing, data valid before the leading clock edge, slave
// output sampled after it.
type Master struct {
	bus                *Bus
	sdi, sck, csn, sdo int
	cs                 *Line
}

// NewMaster wires a master to the given pin indices. The returned Line
// fires on chip-select deassertion.
func NewMaster(bus *Bus, sdi, sck, csn, sdo int) (*Master, *Line) {
	cs := &Line{}
	m := &Master{bus: bus, sdi: sdi, sck: sck, csn: csn, sdo: sdo, cs: cs}
	// Idle levels: clock low, chip select deasserted.
	bus.mu.Lock()
	bus.setPin(csn, true)
	bus.settle()
	bus.mu.Unlock()
	return m, cs
}

// Begin asserts chip select.
func (m *Master) Begin() {
	m.bus.SetPin(m.csn, false)
}

// End deasserts chip select and delivers the edge interrupt.
func (m *Master) End() {
	m.bus.SetPin(m.csn, true)
	m.cs.invoke()
}

// Transfer clocks mosi out bit by bit, MSB first, and returns the levels
// observed on the slave's output pin at each leading edge. Chip select must
// already be asserted.
func (m *Master) Transfer(mosi []byte) []byte {
	miso := make([]byte, len(mosi))
	for i, bb := range mosi {
		for bit := 7; bit >= 0; bit-- {
			m.bus.mu.Lock()
			m.bus.setPin(m.sdi, bb>>uint(bit)&1 == 1)
			m.bus.settle()
			m.bus.setPin(m.sck, true)
			m.bus.settle()
			if m.bus.pin(m.sdo) {
				miso[i] |= 1 << uint(bit)
			}
			m.bus.setPin(m.sck, false)
			m.bus.settle()
			m.bus.mu.Unlock()
		}
	}
	return miso
}

// Exchange runs one framed transaction: assert, clock, deassert.
func (m *Master) Exchange(mosi []byte) []byte {
	m.Begin()
	miso := m.Transfer(mosi)
	m.End()
	return miso
}
