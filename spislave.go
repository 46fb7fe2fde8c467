// Package spislave implements an asynchronous SPI slave for chips with
// programmable bit-clocked I/O sequencers and DMA style copy engines, such
// as the RP2040's PIO block. The slave receives an arbitrary-length byte
// stream clocked by an external master and framed by chip-select rather
// than a fixed length, optionally transmitting a staged reply at the same
// time. Application code can block on a transfer, register a deferred
// callback, or iterate transfers from a goroutine without ever polling the
// wire-level machinery.
//
// The wire format is standard 8-bit MSB-first SPI in a single fixed
// clock mode. One Device owns one bus.
package spislave

import (
	"errors"
	"log/slog"
	"sync/atomic"
)

// Configuration errors returned before any hardware is touched.
var (
	// ErrNoBuffer is returned by Read and Next when the Device was
	// constructed without a receive buffer.
	ErrNoBuffer = errors.New("spislave: no buffer provided to constructor")
	// ErrNoCallback is returned by ReadInto when the Device was constructed
	// without a callback.
	ErrNoCallback = errors.New("spislave: no callback provided to constructor")

	errIncompleteHardware = errors.New("spislave: input shifter, read copy engine and CS line are required")
	errUnpairedOutput     = errors.New("spislave: output shifter and write copy engine must be paired")
)

// reportOverflow is the unused-budget report after the budget decremented
// past zero: the 30-bit truncated all-ones value, right shifted from bits
// to bytes. It cannot collide with a legitimate count, which is bounded by
// the armed budget.
const reportOverflow = 0x7FFFFFF

// reportRetries bounds the end-of-transfer handler's wait for the input
// program's report. The program runs at system clock speed once unblocked,
// so a handful of register polls suffice; exhausting the budget means the
// program was never armed.
const reportRetries = 128

// budgetReport is the input program's end-of-transfer report in bytes.
type budgetReport struct {
	// remaining is the unused part of the armed byte budget.
	remaining uint32
	// overflowed is set when the master clocked in at least the full
	// budget, leaving no headroom to report: the buffer filled exactly.
	overflowed bool
}

func parseBudgetReport(raw uint32) budgetReport {
	// An overrun samples one bit beyond the budget before the program
	// parks, and that bit sits in the shift register ahead of the 30
	// report bits. Mask it off so the sentinel compare still holds.
	unused := (raw >> 3) & reportOverflow // bits to whole bytes; a partial byte is not counted
	if unused == reportOverflow {
		return budgetReport{overflowed: true}
	}
	return budgetReport{remaining: unused}
}

// Device is an SPI slave assembled from two bit-shift sequencers, two copy
// engines and a chip-select edge interrupt. Construct with New or, on
// RP2040 hardware, NewPicoDevice. A Device must not be used after Deinit.
//
// The receive buffer handed to an armed transfer is written exclusively by
// the read copy engine until the completion signal fires; exclusivity is
// temporal, by the transfer protocol, not enforced by a lock. Arming a new
// transfer while a previous waiter has not consumed its completion is a
// caller error.
type Device struct {
	in     Sequencer
	out    Sequencer
	rxcopy CopyEngine
	txcopy CopyEngine
	cs     IRQLine

	buf    []byte // device-owned receive buffer, may be nil
	budget uint32 // byte budget of the transfer in flight
	nbytes int    // outcome of the last completed transfer

	wbuf []byte // staged transmit copy, replaced wholesale by Write
	reps int

	tsf      completion // transfer complete: interrupt to waiting task
	cbNote   completion // wakes the callback dispatcher
	docb     bool       // deliver a callback for the transfer in flight
	callback func(n int)

	closed atomic.Bool
	logger *slog.Logger
}

// Config carries the construction parameters common to all hardware.
type Config struct {
	// Buffer is the device-owned receive buffer used by Read and Next.
	// Its capacity bounds the byte budget of transfers armed through those
	// calls. May be nil if only ReadInto and AsReadInto are used.
	Buffer []byte
	// Callback, if set, is invoked outside interrupt context with the
	// received byte count after each transfer armed by ReadInto.
	Callback func(n int)
	// Logger receives task-context diagnostics. May be nil.
	Logger *slog.Logger
}

// New assembles a Device over hw. The chip-select handler is installed here
// and removed exactly once by Deinit. If cfg.Callback is set a dispatcher
// goroutine is started to deliver ReadInto completions outside interrupt
// context.
func New(hw Hardware, cfg Config) (*Device, error) {
	switch {
	case hw.In == nil || hw.RxCopy == nil || hw.CS == nil:
		return nil, errIncompleteHardware
	case (hw.Out == nil) != (hw.TxCopy == nil):
		return nil, errUnpairedOutput
	}
	d := &Device{
		in:       hw.In,
		out:      hw.Out,
		rxcopy:   hw.RxCopy,
		txcopy:   hw.TxCopy,
		cs:       hw.CS,
		buf:      cfg.Buffer,
		callback: cfg.Callback,
		logger:   cfg.Logger,
	}
	if d.callback != nil {
		go d.dispatchCallbacks()
	}
	if err := d.cs.Attach(d.endOfTransfer); err != nil {
		return nil, err
	}
	d.debug("new device",
		slog.Bool("duplex", d.out != nil),
		slog.Int("buflen", len(d.buf)))
	return d, nil
}

// Read arms a transfer into the device buffer, blocks until the master ends
// it, and returns a view of the received bytes. The view is valid until the
// next armed transfer.
func (d *Device) Read() ([]byte, error) {
	if d.buf == nil {
		return nil, ErrNoBuffer
	}
	d.arm(d.buf)
	d.tsf.wait()
	return d.buf[:d.nbytes], nil
}

// Next runs one step of unbounded transfer iteration: it re-arms into the
// device buffer, suspends the calling goroutine until the transfer ends,
// and yields the received bytes. Each step is independent; iteration never
// exhausts.
func (d *Device) Next() ([]byte, error) {
	return d.Read()
}

// ReadInto arms a transfer into buf and returns immediately. The configured
// callback later fires with the byte count, outside interrupt context.
func (d *Device) ReadInto(buf []byte) error {
	if d.callback == nil {
		return ErrNoCallback
	}
	d.docb = true
	d.arm(buf)
	return nil
}

// AsReadInto arms a transfer into buf and suspends the calling goroutine
// until the master ends it, returning the number of bytes received.
func (d *Device) AsReadInto(buf []byte) int {
	d.arm(buf)
	d.tsf.wait()
	return d.nbytes
}

// Write stages a copy of buf for transmission starting on the next armed
// transfer. reps == 1 sends it on exactly the next transfer, reps == n on
// the next n transfers, reps == -1 on every transfer until replaced by
// another Write. Staging a copy means the caller may reuse buf immediately.
func (d *Device) Write(buf []byte, reps int) {
	// Fresh copy: the write engine may still be draining the previous
	// stage during an active transfer.
	d.wbuf = append([]byte(nil), buf...)
	d.reps = reps
}

// Deinit deactivates all owned hardware units and releases the chip-select
// interrupt binding. Safe to call more than once; the Device is unusable
// afterwards.
func (d *Device) Deinit() {
	d.cs.Detach()
	d.rxcopy.Stop()
	d.in.SetEnabled(false)
	if d.out != nil {
		d.txcopy.Stop()
		d.out.SetEnabled(false)
	}
	if d.closed.CompareAndSwap(false, true) {
		d.cbNote.set() // release the callback dispatcher
		d.info("deinit")
	}
}

// arm prepares and starts one receive transfer into buf. Every unit is
// fully stopped before reconfiguration: stale engine or sequencer state
// from the previous transfer would otherwise corrupt the next byte count.
// The budget is handed to the input program last, once everything is armed.
func (d *Device) arm(buf []byte) {
	d.rxcopy.Stop()
	d.in.Restart()
	d.tsf.clear()
	d.budget = uint32(len(buf))
	d.rxcopy.Configure(buf)
	if d.out != nil {
		d.txcopy.Stop()
		// Restart before the engine starts: restarting clears the
		// sequencer FIFOs, which would eat the first staged words if the
		// engine were already feeding them.
		d.out.Restart()
		if d.reps != 0 && len(d.wbuf) != 0 {
			if d.reps > 0 {
				d.reps--
			}
			n := min(len(buf), len(d.wbuf))
			d.debug("arm:tx", slog.Int("n", n), slog.Int("reps", d.reps))
			d.txcopy.Configure(d.wbuf[:n])
			d.txcopy.Start()
			d.out.SetEnabled(true)
		}
	}
	d.rxcopy.Start()
	d.in.SetEnabled(true)
	d.in.TxPut(d.budget << 3) // budget in bits
}

// endOfTransfer runs in interrupt context on the chip-select deassertion
// edge. It must not allocate or block. Order is load-bearing: the copy
// engines stop first, the placeholder unblocks the input program from its
// bit poll or overrun park, and the report is read only after the input
// sequencer is halted so the read cannot race sequencer state changes.
func (d *Device) endOfTransfer() {
	d.rxcopy.Stop()
	if d.out != nil {
		d.txcopy.Stop()
	}
	d.in.TxPut(0)
	retries := reportRetries
	for d.in.RxFIFOLevel() == 0 {
		retries--
		if retries == 0 {
			// No report: chip-select toggled with no transfer armed and
			// the program swallowed the placeholder as a budget. Nothing
			// to account and nobody to wake.
			print("spislave: transfer ended before arm\r\n")
			return
		}
	}
	d.in.SetEnabled(false)
	raw := d.in.RxGet()
	for d.in.RxFIFOLevel() != 0 {
		raw = d.in.RxGet() // drop anything stale ahead of the report
	}
	rep := parseBudgetReport(raw)
	if rep.overflowed {
		d.nbytes = int(d.budget)
	} else {
		d.nbytes = int(d.budget) - int(rep.remaining)
	}
	d.tsf.set()
	if d.docb {
		d.docb = false
		d.cbNote.set()
	}
}

// dispatchCallbacks delivers ReadInto completions outside interrupt
// context. The end-of-transfer handler only flips a flag; this goroutine
// makes the call, so user callbacks may allocate and block freely.
func (d *Device) dispatchCallbacks() {
	for {
		d.cbNote.wait()
		if d.closed.Load() {
			return
		}
		d.callback(d.nbytes)
	}
}
