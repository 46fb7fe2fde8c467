package hwsim

import "runtime"

const fifoDepth = 4

// SMConfig mirrors the configuration a sequencer program is loaded with.
// Thresholds are in bits, 1 to 32. Both shift registers shift left, MSB
// first; that is the only direction the modeled programs use.
type SMConfig struct {
	WrapTarget uint8
	Wrap       uint8
	InBase     int // pin index of IN bit 0, also the base for WAIT pin
	JmpPin     int // pin tested by the JMP PIN condition
	OutBase    int // pin driven by OUT PINS
	AutoPush   bool
	AutoPull   bool
	PushThresh uint
	PullThresh uint
}

// SM interprets one sequencer program against the bus. The instruction set
// subset covers what shift programs use: JMP, WAIT on pins, IN, OUT and
// SET. Anything else panics, loudly, because silence here would surface as
// baffling protocol failures.
type SM struct {
	bus  *Bus
	prog []uint16
	cfg  SMConfig

	enabled        bool
	pc             uint8
	x, y           uint32
	isr, osr       uint32
	isrCnt, osrCnt uint
	pushPending    bool
	tx, rx         []uint32

	sharedDirty bool
}

// NewSM loads prog onto the fabric. The machine starts disabled at pc 0
// with an empty output shift register.
func (b *Bus) NewSM(prog []uint16, cfg SMConfig) *SM {
	sm := &SM{bus: b, prog: prog, cfg: cfg, osrCnt: 32}
	b.sms = append(b.sms, sm)
	return sm
}

// SetEnabled starts or halts execution.
func (sm *SM) SetEnabled(enabled bool) {
	sm.bus.mu.Lock()
	sm.enabled = enabled
	sm.bus.settle()
	sm.bus.mu.Unlock()
}

// Restart halts the machine and returns it to the program entry point with
// cleared FIFOs, empty shift registers and zeroed shift counters.
func (sm *SM) Restart() {
	sm.bus.mu.Lock()
	sm.enabled = false
	sm.pc = 0
	sm.isr, sm.isrCnt = 0, 0
	sm.osr, sm.osrCnt = 0, 32
	sm.pushPending = false
	sm.tx = sm.tx[:0]
	sm.rx = sm.rx[:0]
	sm.bus.mu.Unlock()
}

// TxPut places a word on the host-to-sequencer FIFO. Words put while the
// FIFO is full are dropped, as the hardware register write would be.
func (sm *SM) TxPut(data uint32) {
	sm.bus.mu.Lock()
	if len(sm.tx) < fifoDepth {
		sm.tx = append(sm.tx, data)
	}
	sm.bus.settle()
	sm.bus.mu.Unlock()
}

// RxGet pops a word from the sequencer-to-host FIFO, zero when empty.
func (sm *SM) RxGet() uint32 {
	sm.bus.mu.Lock()
	var data uint32
	if len(sm.rx) > 0 {
		data = sm.rx[0]
		sm.rx = sm.rx[1:]
	}
	sm.bus.settle()
	sm.bus.mu.Unlock()
	return data
}

func (sm *SM) RxFIFOLevel() uint32 {
	sm.bus.mu.Lock()
	defer sm.bus.mu.Unlock()
	return uint32(len(sm.rx))
}

// WaitTrapped blocks until the machine is enabled and stalled at pc. Tests
// use it to know a program has consumed its setup words and is waiting on
// the bus before the master starts clocking.
func (sm *SM) WaitTrapped(pc uint8) {
	for {
		sm.bus.mu.Lock()
		ok := sm.enabled && sm.pc == pc
		sm.bus.mu.Unlock()
		if ok {
			return
		}
		runtime.Gosched()
	}
}

type smSnap struct {
	pc             uint8
	x, y, isr, osr uint32
	isrCnt, osrCnt uint
	txn, rxn       int
	pins           uint32
}

func (sm *SM) snap() smSnap {
	return smSnap{
		pc: sm.pc, x: sm.x, y: sm.y, isr: sm.isr, osr: sm.osr,
		isrCnt: sm.isrCnt, osrCnt: sm.osrCnt,
		txn: len(sm.tx), rxn: len(sm.rx), pins: sm.bus.pins,
	}
}

// run executes until the machine stalls or revisits a state, meaning no
// further progress without external input. Busy-poll loops in the programs
// revisit quickly, so this is cheap. Reports whether anything shared
// (FIFOs, pins) changed. Caller holds bus.mu.
func (sm *SM) run() bool {
	if !sm.enabled {
		return false
	}
	sm.sharedDirty = false
	seen := make(map[smSnap]struct{})
	for {
		s := sm.snap()
		if _, dup := seen[s]; dup {
			return sm.sharedDirty
		}
		seen[s] = struct{}{}
		if !sm.step() {
			return sm.sharedDirty
		}
	}
}

func (sm *SM) osrEmpty() bool {
	return sm.osrCnt >= sm.cfg.PullThresh
}

func (sm *SM) refillOSR() {
	sm.osr = sm.tx[0]
	sm.tx = sm.tx[1:]
	sm.osrCnt = 0
	sm.sharedDirty = true
}

func bitmask(cnt uint) uint32 {
	if cnt >= 32 {
		return ^uint32(0)
	}
	return 1<<cnt - 1
}

// step executes one instruction. Returns false when stalled: an unmet WAIT,
// an OUT starved of data, or a push blocked on a full FIFO.
func (sm *SM) step() bool {
	// Autopull runs in the background: an empty OSR refills from the FIFO
	// between instructions, which is what makes the !OSRE condition usable
	// as a host-to-program doorbell.
	if sm.cfg.AutoPull && sm.osrEmpty() && len(sm.tx) > 0 {
		sm.refillOSR()
	}
	// A push deferred by a full FIFO completes before anything else runs.
	if sm.pushPending {
		if len(sm.rx) >= fifoDepth {
			return false
		}
		sm.rx = append(sm.rx, sm.isr)
		sm.isr, sm.isrCnt = 0, 0
		sm.pushPending = false
		sm.sharedDirty = true
	}

	instr := sm.prog[sm.pc]
	next := sm.pc + 1
	if sm.pc == sm.cfg.Wrap {
		next = sm.cfg.WrapTarget
	}

	switch instr >> 13 {
	case 0: // JMP
		take := false
		switch instr >> 5 & 7 {
		case 0:
			take = true
		case 1:
			take = sm.x == 0
		case 2:
			take = sm.x != 0
			sm.x--
		case 3:
			take = sm.y == 0
		case 4:
			take = sm.y != 0
			sm.y--
		case 5:
			take = sm.x != sm.y
		case 6:
			take = sm.bus.pin(sm.cfg.JmpPin)
		case 7:
			take = !sm.osrEmpty()
		}
		if take {
			next = uint8(instr & 0x1f)
		}

	case 1: // WAIT
		want := instr>>7&1 == 1
		idx := int(instr & 0x1f)
		var level bool
		switch instr >> 5 & 3 {
		case 0: // absolute GPIO
			level = sm.bus.pin(idx)
		case 1: // relative to IN base
			level = sm.bus.pin(sm.cfg.InBase + idx)
		default:
			panic("hwsim: WAIT source not modeled")
		}
		if level != want {
			return false
		}

	case 2: // IN
		cnt := uint(instr & 0x1f)
		if cnt == 0 {
			cnt = 32
		}
		var v uint32
		switch instr >> 5 & 7 {
		case 0: // pins from IN base
			for i := uint(0); i < cnt; i++ {
				if sm.bus.pin(sm.cfg.InBase + int(i)) {
					v |= 1 << i
				}
			}
		case 1:
			v = sm.x
		case 2:
			v = sm.y
		case 3:
			// NULL source shifts in zeroes.
		default:
			panic("hwsim: IN source not modeled")
		}
		sm.isr = sm.isr<<cnt | v&bitmask(cnt)
		sm.isrCnt += cnt
		if sm.isrCnt > 32 {
			sm.isrCnt = 32
		}
		if sm.cfg.AutoPush && sm.isrCnt >= sm.cfg.PushThresh {
			if len(sm.rx) >= fifoDepth {
				// Data captured, push deferred: the machine stalls
				// with the sample held in the ISR.
				sm.pushPending = true
				sm.pc = next
				return false
			}
			sm.rx = append(sm.rx, sm.isr)
			sm.isr, sm.isrCnt = 0, 0
			sm.sharedDirty = true
		}

	case 3: // OUT
		if sm.cfg.AutoPull && sm.osrEmpty() {
			if len(sm.tx) == 0 {
				return false
			}
			sm.refillOSR()
		}
		cnt := uint(instr & 0x1f)
		if cnt == 0 {
			cnt = 32
		}
		v := sm.osr >> (32 - cnt)
		sm.osr <<= cnt
		sm.osrCnt += cnt
		if sm.osrCnt > 32 {
			sm.osrCnt = 32
		}
		switch instr >> 5 & 7 {
		case 0: // pins from OUT base, one bit modeled
			level := v&1 == 1
			if sm.bus.pin(sm.cfg.OutBase) != level {
				sm.bus.setPin(sm.cfg.OutBase, level)
				sm.sharedDirty = true
			}
		case 1:
			sm.x = v
		case 2:
			sm.y = v
		case 3:
			// NULL destination discards.
		default:
			panic("hwsim: OUT destination not modeled")
		}

	case 7: // SET
		v := uint32(instr & 0x1f)
		switch instr >> 5 & 7 {
		case 1:
			sm.x = v
		case 2:
			sm.y = v
		default:
			panic("hwsim: SET destination not modeled")
		}

	default:
		panic("hwsim: opcode not modeled")
	}

	sm.pc = next
	return true
}
