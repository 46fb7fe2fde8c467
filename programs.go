package spislave

// PIO programs for the slave transfer engine. Hex encodings follow the
// RP2040 datasheet instruction formats; the rp2040 build loads these
// unmodified and the host-side tests execute them under simulation.
//
// Both programs index pins relative to the IN pin base: 0 is data-in,
// 1 is the external clock, 2 is chip-select. Chip-select is active low.

// spiIn shifts incoming bits MSB-first, eight per byte, paced entirely by
// the external clock. It first blocks for a byte budget in bits (the facade
// sends len(buf)<<3), then waits for chip-select. Each bit is sampled
// between the clock's leading and trailing edges via the jmp-pin poll loop,
// which doubles as the escape hatch: a word arriving on the host channel
// (the end-of-transfer placeholder) breaks the loop through the !osre
// condition. When the budget runs out mid-transfer the program parks in the
// overrun loop instead of shifting, so host memory is never overrun. On
// exit it reports the unused budget, truncated to 30 bits, and returns to
// the top. It never halts on its own.
//
// In shift direction left, autopush threshold 8. Out autopull threshold 32.
const (
	spiInWrapTarget = 2
	spiInWrap       = 11
	spiInOrigin     = -1
)

var spiInInstructions = []uint16{
	0x6040, //  0: out    y, 32            ; escape: await byte budget (in bits)
	0x2022, //  1: wait   0 pin, 2         ; chip-select asserted
	//     .wrap_target                    ; per byte
	0xe027, //  2: set    x, 7
	0x00c6, //  3: jmp    pin, 6           ; bit: clock leading edge?
	0x00ec, //  4: jmp    !osre, 12        ; host signaled end of transfer
	0x0003, //  5: jmp    3
	0x4001, //  6: in     pins, 1          ; sample data-in, MSB first
	0x2021, //  7: wait   0 pin, 1         ; clock trailing edge
	0x008b, //  8: jmp    y--, 11
	0x00ec, //  9: jmp    !osre, 12        ; overrun: park until host signals
	0x0009, // 10: jmp    9
	0x0043, // 11: jmp    x--, 3           ; next bit
	//     .wrap                           ; next byte
	0x6020, // 12: out    x, 32            ; discard the placeholder
	0x405e, // 13: in     y, 30            ; report unused budget, truncated
	0x0000, // 14: jmp    0
}

// spiOut shifts staged bytes out MSB-first on the data-out pin, one bit per
// external clock cycle, eight per byte via autopull at threshold 8. With no
// data queued the out instruction stalls and the pin simply holds its last
// level: a benign underrun. The facade restarts this program around every
// armed transfer; it has no exit of its own.
//
// Byte-size copy-engine writes to the TX FIFO are replicated across all
// four byte lanes by the bus fabric, so a left-shifting OSR emits bit 7 of
// the byte first.
const (
	spiOutWrapTarget = 1
	spiOutWrap       = 5
	spiOutOrigin     = -1
)

var spiOutInstructions = []uint16{
	0x2022, //  0: wait   0 pin, 2         ; chip-select asserted
	//     .wrap_target                    ; per byte
	0xe027, //  1: set    x, 7
	0x20a1, //  2: wait   1 pin, 1         ; clock leading edge
	0x6001, //  3: out    pins, 1          ; stalls harmlessly on underrun
	0x2021, //  4: wait   0 pin, 1
	0x0042, //  5: jmp    x--, 2
	//     .wrap
}
