package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
	"golang.org/x/exp/constraints"
)

// Optional flags.
var (
	timingsOutput string
)

type StreamCtl struct {
	// BufLen is the slave's receive buffer size. Transfers longer than it
	// are marked truncated, matching what the slave would have kept.
	// Zero disables the check.
	BufLen    uint
	OmitEmpty bool
	OmitMISO  bool
	Dedup     bool
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "slaveanalyze - Process binary Saleae digital data files capturing SPI slave transfers.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	sdo := flag.String("f-sdo", "digital_1.bin", "Input filename: master data out (what the slave receives).")
	sdi := flag.String("f-sdi", "digital_3.bin", "Input filename: slave data out (what the master reads back).")
	enable := flag.String("f-cs", "digital_0.bin", "Input filename: SPI CS/SS data.")
	clk := flag.String("f-clk", "digital_2.bin", "Input filename: SPI clock data.")
	output := flag.String("o", "transfers.txt", "Output filename of decoded transfers.")
	flag.StringVar(&timingsOutput, "o-time", "", "Output timing data to a file corresponding to output history line-by-line.")
	bufLen := flag.Uint("buflen", 0, "Slave receive buffer size in bytes. Longer transfers are marked truncated. 0 disables the check.")
	omitEmpty := flag.Bool("omit-empty", false, "Omit zero-length transfers (chip select glitches).")
	omitMISO := flag.Bool("omit-miso", false, "Omit slave output data from the report.")
	dedup := flag.Bool("dedup", false, "Collapse consecutive identical transfers into one line with a repeat count.")
	flag.Parse()

	ctl := StreamCtl{
		BufLen:    *bufLen,
		OmitEmpty: *omitEmpty,
		OmitMISO:  *omitMISO,
		Dedup:     *dedup,
	}
	start := time.Now()
	if err := ctl.run(*sdo, *sdi, *enable, *clk, *output); err != nil {
		log.Fatal(err.Error())
	}
	log.Println("finished in", time.Since(start))
}

func (ctl *StreamCtl) run(sdo, sdi, enable, clk, output string) error {
	transfers, err := ctl.processSpiFiles(sdo, sdi, clk, enable)
	if err != nil {
		return err
	}
	if ctl.Dedup {
		transfers = dedup(transfers)
	}
	fp, err := os.Create(output)
	if err != nil {
		return err
	}
	defer fp.Close()

	var timings *os.File
	if timingsOutput != "" {
		log.Println("creating timings file", timingsOutput)
		timings, err = os.Create(timingsOutput)
		if err != nil {
			return err
		}
		defer timings.Close()
	}

	for _, tx := range transfers {
		if ctl.OmitEmpty && len(tx.MOSI) == 0 {
			continue
		}
		if err := ctl.printTx(fp, tx); err != nil {
			return err
		}
		if timings != nil {
			fmt.Fprintf(timings, "t=%f\tn=%d\n", tx.Start, len(tx.MOSI))
		}
	}
	return nil
}

func (ctl *StreamCtl) printTx(fp *os.File, tx slavetx) error {
	kept := len(tx.MOSI)
	if ctl.BufLen != 0 {
		kept = min(kept, int(ctl.BufLen))
	}
	_, err := fmt.Fprintf(fp, "tx×%2d n=%4d mosi=%#x", tx.Num, kept, tx.MOSI[:kept])
	if err != nil {
		return err
	}
	if kept < len(tx.MOSI) {
		// Anything after the space overran the slave's buffer and was
		// dropped on the device.
		fmt.Fprintf(fp, " %x", tx.MOSI[kept:])
	}
	if !ctl.OmitMISO {
		fmt.Fprintf(fp, "\tmiso=%#x", tx.MISO)
	}
	fmt.Fprintln(fp)
	return nil
}

func (ctl *StreamCtl) processSpiFiles(fsdo, fsdi, fclk, fenable string) ([]slavetx, error) {
	sdo, err := opendigital(fsdo)
	if err != nil {
		return nil, err
	}
	sdi, err := opendigital(fsdi)
	if err != nil {
		return nil, err
	}
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(clk, enable, sdo, sdi)
	return process(txs), nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	df, err := saleae.ReadDigitalFile(fp)
	if err != nil {
		return nil, err
	}
	return df, nil
}

// slavetx is one chip-select framed transfer.
type slavetx struct {
	Num   int
	MOSI  []byte
	MISO  []byte
	Start float64
}

func process(txs []analyzers.TxSPI) (out []slavetx) {
	for _, tx := range txs {
		out = append(out, slavetx{
			Num:   1,
			MOSI:  tx.SDO,
			MISO:  tx.SDI,
			Start: tx.StartTime(),
		})
	}
	return out
}

// dedup collapses runs of identical transfers, keeping the first timestamp.
// A slave staging a repeated reply produces long runs of these.
func dedup(txs []slavetx) (out []slavetx) {
	for i := 0; i < len(txs); i++ {
		tx := txs[i]
		for i+1 < len(txs) &&
			bytes.Equal(txs[i+1].MOSI, tx.MOSI) &&
			bytes.Equal(txs[i+1].MISO, tx.MISO) {
			tx.Num++
			i++
		}
		out = append(out, tx)
	}
	return out
}

func min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}
