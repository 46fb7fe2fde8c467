//go:build rp2040

package spislave

import (
	"errors"
	"machine"

	pio "github.com/tinygo-org/pio/rp2-pio"
)

var errPinLayout = errors.New("spislave: need SCK=SDI+1 and CSN=SDI+2")

// PicoPins names the GPIO pins wired to the bus master. The shift programs
// address SCK and CSN as IN-pin-relative indices 1 and 2, so the three input
// pins must be consecutive: SCK immediately above SDI, CSN above SCK.
// Set SDO to machine.NoPin for a receive-only device.
type PicoPins struct {
	SDI machine.Pin // master-out data, IN pin base
	SCK machine.Pin // master-driven clock, must be SDI+1
	CSN machine.Pin // active-low chip select, must be SDI+2
	SDO machine.Pin // master-in data, any free pin
}

// NewPicoDevice claims state machines and DMA channels on Pio and returns a
// ready Device. One state machine and one DMA channel serve reception; a
// second pair is claimed only when pins.SDO is set. Claimed resources are
// held for the life of the program; Deinit deactivates them but does not
// return them to the pool.
func NewPicoDevice(Pio *pio.PIO, pins PicoPins, cfg Config) (*Device, error) {
	if pins.SCK != pins.SDI+1 || pins.CSN != pins.SDI+2 {
		return nil, errPinLayout
	}
	// The master owns SCK; it is asynchronous to our system clock. Leave the
	// 2-cycle input synchronizers in place and run undivided so the sampling
	// loop keeps up.
	inputCfg := machine.PinConfig{Mode: machine.PinInput}
	pins.SDI.Configure(inputCfg)
	pins.SCK.Configure(inputCfg)
	pins.CSN.Configure(inputCfg)

	sm, err := Pio.ClaimStateMachine()
	if err != nil {
		return nil, err
	}
	offset, err := Pio.AddProgram(spiInInstructions, spiInOrigin)
	if err != nil {
		sm.Unclaim()
		return nil, err
	}
	smCfg := spiInProgramDefaultConfig(offset)
	smCfg.SetInPins(pins.SDI)
	smCfg.SetJmpPin(pins.SCK)
	smCfg.SetInShift(false, true, 8)   // MSB-first, push each byte
	smCfg.SetOutShift(false, true, 32) // budget words from the TX FIFO
	sm.Init(offset, smCfg)

	rxChan, err := claimDMAChannel()
	if err != nil {
		sm.Unclaim()
		return nil, err
	}
	hw := Hardware{
		In: &pioShifter{sm: sm, offset: offset},
		RxCopy: &dmaEngine{
			hw:      &dmaChannels[rxChan],
			reg:     sm.RxReg(),
			dreq:    dreq(sm, true),
			channel: rxChan,
			rx:      true,
		},
		CS: &pinIRQ{pin: pins.CSN},
	}

	if pins.SDO != machine.NoPin {
		osm, err := Pio.ClaimStateMachine()
		if err != nil {
			sm.Unclaim()
			unclaimDMAChannel(rxChan)
			return nil, err
		}
		outOffset, err := Pio.AddProgram(spiOutInstructions, spiOutOrigin)
		if err != nil {
			sm.Unclaim()
			osm.Unclaim()
			unclaimDMAChannel(rxChan)
			return nil, err
		}
		outCfg := spiOutProgramDefaultConfig(outOffset)
		outCfg.SetInPins(pins.SDI) // wait indices are IN-relative
		outCfg.SetOutPins(pins.SDO, 1)
		outCfg.SetOutShift(false, true, 8) // MSB-first
		pins.SDO.Configure(machine.PinConfig{Mode: Pio.PinMode()})
		osm.SetPinsConsecutive(pins.SDO, 1, false)
		osm.SetPindirsConsecutive(pins.SDO, 1, true)
		osm.Init(outOffset, outCfg)

		txChan, err := claimDMAChannel()
		if err != nil {
			sm.Unclaim()
			osm.Unclaim()
			unclaimDMAChannel(rxChan)
			return nil, err
		}
		hw.Out = &pioShifter{sm: osm, offset: outOffset}
		hw.TxCopy = &dmaEngine{
			hw:      &dmaChannels[txChan],
			reg:     osm.TxReg(),
			dreq:    dreq(osm, false),
			channel: txChan,
			rx:      false,
		}
	}
	return New(hw, cfg)
}

func spiInProgramDefaultConfig(offset uint8) pio.StateMachineConfig {
	cfg := pio.DefaultStateMachineConfig()
	cfg.SetWrap(offset+spiInWrapTarget, offset+spiInWrap)
	return cfg
}

func spiOutProgramDefaultConfig(offset uint8) pio.StateMachineConfig {
	cfg := pio.DefaultStateMachineConfig()
	cfg.SetWrap(offset+spiOutWrapTarget, offset+spiOutWrap)
	return cfg
}

// dreq returns the data request line pacing DMA against a state machine
// FIFO. RP2040 datasheet 2.5.3.1: PIO0 TX0..TX3 occupy DREQ 0..3 and
// RX0..RX3 occupy 4..7, PIO1 follows at 8.
func dreq(sm pio.StateMachine, rx bool) uint32 {
	d := uint32(sm.PIO().BlockIndex())*8 + uint32(sm.StateMachineIndex())
	if rx {
		d += 4
	}
	return d
}

// pioShifter adapts one claimed state machine to the Sequencer interface.
type pioShifter struct {
	sm     pio.StateMachine
	offset uint8
}

func (s *pioShifter) SetEnabled(enabled bool) { s.sm.SetEnabled(enabled) }

// Restart returns the state machine to the program entry point with empty
// FIFOs and cleared shift counters. StateMachine.Restart alone does not
// touch the program counter, hence the forced jump.
func (s *pioShifter) Restart() {
	s.sm.SetEnabled(false)
	s.sm.ClearFIFOs()
	s.sm.Restart()
	s.sm.ClkDivRestart()
	s.sm.Exec(pio.EncodeJmp(s.offset, pio.JmpAlways))
}

func (s *pioShifter) TxPut(data uint32) { s.sm.TxPut(data) }
func (s *pioShifter) RxGet() uint32     { return s.sm.RxGet() }
func (s *pioShifter) RxFIFOLevel() uint32 {
	return s.sm.RxFIFOLevel()
}

// pinIRQ adapts a GPIO rising-edge interrupt to the IRQLine interface.
type pinIRQ struct {
	pin machine.Pin
}

func (p *pinIRQ) Attach(fn func()) error {
	return p.pin.SetInterrupt(machine.PinRising, func(machine.Pin) { fn() })
}

func (p *pinIRQ) Detach() {
	p.pin.SetInterrupt(machine.PinRising, nil)
}
