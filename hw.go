package spislave

// Sequencer is one bit-clocked hardware sequencer: a PIO state machine on
// RP2040 class hardware, or a software model of one. The facade only ever
// drives a sequencer through this narrow surface; the bit-level protocol
// lives in the loaded program, not here.
type Sequencer interface {
	// SetEnabled starts or halts execution. Halting does not clear FIFOs.
	SetEnabled(enabled bool)
	// Restart returns the sequencer to the start of its program with
	// cleared FIFOs and shift counters. Call only while halted.
	Restart()
	// TxPut places a word on the host-to-sequencer channel.
	// Must be callable from interrupt context.
	TxPut(data uint32)
	// RxGet pops a word from the sequencer-to-host channel.
	// Must be callable from interrupt context.
	RxGet() uint32
	// RxFIFOLevel reports words pending on the sequencer-to-host channel.
	RxFIFOLevel() uint32
}

// CopyEngine moves bytes between a sequencer data register and a memory
// buffer without per-byte CPU involvement, paced by the sequencer's data
// request signals. Direction is fixed when the engine is created.
type CopyEngine interface {
	// Configure arms the engine over buf for exactly len(buf) bytes.
	// The engine borrows buf until Stop or completion; it never retains it
	// past the next Configure. Call only while stopped.
	Configure(buf []byte)
	// Start begins paced copying.
	Start()
	// Stop halts the engine and flushes any in-flight transfer so that it
	// is safe to reconfigure. Idempotent. Must be callable from interrupt
	// context.
	Stop()
}

// IRQLine is the chip-select deassertion interrupt binding. The device owns
// exactly one registered handler: installed at construction, removed exactly
// once at teardown.
type IRQLine interface {
	// Attach registers fn to run on the deassertion (rising) edge.
	// fn runs in interrupt context: it must not allocate or block.
	Attach(fn func()) error
	// Detach removes the handler. Idempotent.
	Detach()
}

// Hardware bundles the hardware units a Device drives. In and RxCopy are
// mandatory. Out and TxCopy are optional and enable duplex operation; they
// must be both set or both nil.
type Hardware struct {
	// In is the input shifter running the receive program.
	In Sequencer
	// RxCopy drains In's "byte ready" events into the receive buffer.
	RxCopy CopyEngine
	// Out is the output shifter running the transmit program, or nil.
	Out Sequencer
	// TxCopy feeds Out from the staged transmit buffer, or nil.
	TxCopy CopyEngine
	// CS is the chip-select deassertion edge interrupt.
	CS IRQLine
}
