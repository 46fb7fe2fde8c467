//go:build rp2040

package spislave

import (
	"device/rp"
	"errors"
	"runtime/volatile"
	"unsafe"
)

var errDMAUnavail = errors.New("spislave: DMA channel unavailable")

// Single DMA channel register block. See rp.DMA_Type.
type dmaChannelHW struct {
	READ_ADDR   volatile.Register32
	WRITE_ADDR  volatile.Register32
	TRANS_COUNT volatile.Register32
	CTRL_TRIG   volatile.Register32
	_           [12]volatile.Register32 // aliases
}

// DMA channels usable on the RP2040.
var dmaChannels = (*[12]dmaChannelHW)(unsafe.Pointer(rp.DMA))

var claimedDMAChannels uint16

func claimDMAChannel() (uint8, error) {
	for ch := uint8(0); ch < uint8(len(dmaChannels)); ch++ {
		if claimedDMAChannels&(1<<ch) == 0 {
			claimedDMAChannels |= 1 << ch
			return ch, nil
		}
	}
	return 0, errDMAUnavail
}

func unclaimDMAChannel(ch uint8) {
	claimedDMAChannels &^= 1 << ch
}

// abortRetries bounds the CHAN_ABORT flush poll. Stop runs in interrupt
// context so the poll is a tight register loop, no yielding.
const abortRetries = 1 << 12

// dmaEngine is one DMA channel moving bytes between a state machine FIFO
// register and memory, paced by the state machine's data request line.
// Direction is fixed at construction: rx drains the RX FIFO into memory,
// otherwise memory feeds the TX FIFO.
type dmaEngine struct {
	hw      *dmaChannelHW
	reg     *volatile.Register32
	dreq    uint32
	channel uint8
	rx      bool
}

func (e *dmaEngine) Configure(buf []byte) {
	var cc dmaChannelConfig
	cc.setTREQ_SEL(e.dreq)
	cc.setTransferDataSize(dmaTxSize8)
	cc.setChainTo(uint32(e.channel)) // no chaining
	cc.setReadIncrement(!e.rx)
	cc.setWriteIncrement(e.rx)
	cc.setIRQQuiet(true)
	cc.setEnable(false)

	bufPtr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	regPtr := uint32(uintptr(unsafe.Pointer(e.reg)))
	if e.rx {
		e.hw.READ_ADDR.Set(regPtr)
		e.hw.WRITE_ADDR.Set(bufPtr)
	} else {
		e.hw.READ_ADDR.Set(bufPtr)
		e.hw.WRITE_ADDR.Set(regPtr)
	}
	e.hw.TRANS_COUNT.Set(uint32(len(buf)))
	// EN is clear: this write configures without triggering.
	e.hw.CTRL_TRIG.Set(cc.CTRL)
}

func (e *dmaEngine) Start() {
	// Setting EN triggers the channel; it then idles on the DREQ.
	e.hw.CTRL_TRIG.SetBits(rp.DMA_CH0_CTRL_TRIG_EN)
}

// Stop halts the channel and flushes in-flight transfers through the
// address and data FIFOs so reconfiguration is safe afterwards.
func (e *dmaEngine) Stop() {
	e.hw.CTRL_TRIG.ClearBits(rp.DMA_CH0_CTRL_TRIG_EN)
	chMask := uint32(1) << e.channel
	rp.DMA.CHAN_ABORT.Set(chMask)
	retries := abortRetries
	for rp.DMA.CHAN_ABORT.Get()&chMask != 0 && retries > 0 {
		retries--
	}
	if retries == 0 {
		print("spislave: DMA abort timeout\r\n")
	}
}

type dmaTxSize uint32

const (
	dmaTxSize8 dmaTxSize = iota
	dmaTxSize16
	dmaTxSize32
)

type dmaChannelConfig struct {
	CTRL uint32
}

// Select a Transfer Request signal. The channel uses the transfer request
// signal to pace its data transfer rate. 0x0 to 0x3a -> select DREQ n as TREQ.
func (cc *dmaChannelConfig) setTREQ_SEL(dreq uint32) {
	cc.CTRL = (cc.CTRL & ^uint32(rp.DMA_CH0_CTRL_TRIG_TREQ_SEL_Msk)) | (dreq << rp.DMA_CH0_CTRL_TRIG_TREQ_SEL_Pos)
}

func (cc *dmaChannelConfig) setChainTo(chainTo uint32) {
	cc.CTRL = (cc.CTRL & ^uint32(rp.DMA_CH0_CTRL_TRIG_CHAIN_TO_Msk)) | (chainTo << rp.DMA_CH0_CTRL_TRIG_CHAIN_TO_Pos)
}

func (cc *dmaChannelConfig) setTransferDataSize(size dmaTxSize) {
	cc.CTRL = (cc.CTRL & ^uint32(rp.DMA_CH0_CTRL_TRIG_DATA_SIZE_Msk)) | (uint32(size) << rp.DMA_CH0_CTRL_TRIG_DATA_SIZE_Pos)
}

func (cc *dmaChannelConfig) setReadIncrement(incr bool) {
	setCtrlBit(&cc.CTRL, rp.DMA_CH0_CTRL_TRIG_INCR_READ_Pos, incr)
}

func (cc *dmaChannelConfig) setWriteIncrement(incr bool) {
	setCtrlBit(&cc.CTRL, rp.DMA_CH0_CTRL_TRIG_INCR_WRITE_Pos, incr)
}

func (cc *dmaChannelConfig) setIRQQuiet(quiet bool) {
	setCtrlBit(&cc.CTRL, rp.DMA_CH0_CTRL_TRIG_IRQ_QUIET_Pos, quiet)
}

func (cc *dmaChannelConfig) setEnable(enable bool) {
	setCtrlBit(&cc.CTRL, rp.DMA_CH0_CTRL_TRIG_EN_Pos, enable)
}

func setCtrlBit(ctrl *uint32, pos uint32, bit bool) {
	if bit {
		*ctrl |= 1 << pos
	} else {
		*ctrl &^= 1 << pos
	}
}
