//go:build rp2040

package spislave

import (
	"device"
	"machine"
)

// BitBangMaster is a dumb mode 0 SPI master bit-banged on GPIOs. It exists
// to exercise a slave from the same board over jumpered pins; it owns chip
// select so transfers carry the framing the slave's end-of-transfer
// interrupt depends on.
type BitBangMaster struct {
	SCK machine.Pin
	SDO machine.Pin // to the slave's data-in
	SDI machine.Pin // from the slave's data-out
	CSN machine.Pin
	// Delay is a quarter clock cycle in nop iterations.
	Delay uint32
}

// Configure claims the pins and parks the bus idle: clock low, chip select
// deasserted.
func (m *BitBangMaster) Configure() {
	out := machine.PinConfig{Mode: machine.PinOutput}
	m.SCK.Configure(out)
	m.SDO.Configure(out)
	m.CSN.Configure(out)
	m.SDI.Configure(machine.PinConfig{Mode: machine.PinInputPulldown})
	m.SCK.Low()
	m.SDO.Low()
	m.CSN.High()
	if m.Delay == 0 {
		m.Delay = 1
	}
}

// Exchange runs one framed transaction: assert chip select, clock w out
// while reading the slave's reply into r, deassert. r may be nil or
// shorter than w; extra reply bytes are dropped.
func (m *BitBangMaster) Exchange(w, r []byte) {
	m.CSN.Low()
	m.delay()
	for i, b := range w {
		in := m.transfer(b)
		if i < len(r) {
			r[i] = in
		}
	}
	m.delay()
	m.CSN.High()
	m.delay()
}

func (m *BitBangMaster) transfer(b byte) (out byte) {
	for bit := 7; bit >= 0; bit-- {
		// Data is valid before the leading edge; the slave's reply bit is
		// valid after it.
		m.SDO.Set(b&(1<<bit) != 0)
		m.delay()
		m.SCK.High()
		m.delay()
		if m.SDI.Get() {
			out |= 1 << bit
		}
		m.delay()
		m.SCK.Low()
		m.delay()
	}
	return out
}

//go:inline
func (m *BitBangMaster) delay() {
	for i := uint32(0); i < m.Delay; i++ {
		device.Asm("nop")
	}
}
