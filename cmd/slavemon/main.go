// slavemon tails the serial console of a board running one of the examples
// and keeps running transfer statistics. The examples print one line per
// completed transfer in the form "rx n=<count> data=<hex>".
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/tarm/serial"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "slavemon - Monitor SPI slave transfer reports over a serial console.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	port := flag.String("port", "/dev/ttyACM0", "Serial port of the target board.")
	baud := flag.Int("baud", 115200, "Serial baud rate.")
	stats := flag.Duration("stats", 10*time.Second, "Interval between statistics lines. 0 disables.")
	flag.Parse()

	sp, err := serial.OpenPort(&serial.Config{Name: *port, Baud: *baud})
	if err != nil {
		log.Fatal(err.Error())
	}
	defer sp.Close()
	log.Println("listening on", *port)

	var transfers, bytes, malformed int
	lastStats := time.Now()
	sc := bufio.NewScanner(sp)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		fmt.Fprintln(os.Stdout, line)
		if n, ok := parseReport(line); ok {
			transfers++
			bytes += n
		} else if strings.HasPrefix(line, "rx ") {
			malformed++
		}
		if *stats > 0 && time.Since(lastStats) >= *stats {
			log.Printf("stats: transfers=%d bytes=%d malformed=%d", transfers, bytes, malformed)
			lastStats = time.Now()
		}
	}
	if err := sc.Err(); err != nil {
		log.Fatal(err.Error())
	}
}

// parseReport extracts the byte count from a transfer report line.
func parseReport(line string) (n int, ok bool) {
	if !strings.HasPrefix(line, "rx ") {
		return 0, false
	}
	// The data field is echoed verbatim above; only the count matters here.
	if _, err := fmt.Sscanf(line, "rx n=%d", &n); err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
