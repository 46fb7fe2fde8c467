package hwsim

// Engine is a byte copy engine paced by one sequencer's FIFO occupancy, the
// way a DMA channel is paced by a data request line. Direction is fixed at
// creation: a receive engine drains sequencer words into memory, a transmit
// engine feeds memory bytes to the sequencer.
type Engine struct {
	bus    *Bus
	sm     *SM
	rx     bool
	buf    []byte
	pos    int
	active bool
}

func (b *Bus) NewEngine(sm *SM, rx bool) *Engine {
	e := &Engine{bus: b, sm: sm, rx: rx}
	b.engines = append(b.engines, e)
	return e
}

// Configure arms the engine over buf without starting it.
func (e *Engine) Configure(buf []byte) {
	e.bus.mu.Lock()
	e.buf = buf
	e.pos = 0
	e.active = false
	e.bus.mu.Unlock()
}

func (e *Engine) Start() {
	e.bus.mu.Lock()
	e.active = true
	e.bus.settle()
	e.bus.mu.Unlock()
}

func (e *Engine) Stop() {
	e.bus.mu.Lock()
	e.active = false
	e.bus.mu.Unlock()
}

// service moves at most one byte; settle calls it until it reports no
// progress. Caller holds bus.mu.
func (e *Engine) service() bool {
	if !e.active || e.pos >= len(e.buf) {
		return false
	}
	if e.rx {
		if len(e.sm.rx) == 0 {
			return false
		}
		// Narrow read of the FIFO register takes the low byte.
		e.buf[e.pos] = byte(e.sm.rx[0])
		e.sm.rx = e.sm.rx[1:]
	} else {
		if len(e.sm.tx) >= fifoDepth {
			return false
		}
		// A byte written to the FIFO register is replicated across all
		// four byte lanes, so a left-shifting program emits bit 7 first.
		e.sm.tx = append(e.sm.tx, uint32(e.buf[e.pos])*0x01010101)
	}
	e.pos++
	return true
}
