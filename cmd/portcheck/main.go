package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"h906bridge/internal/logging"
	"h906bridge/internal/transport"
	"h906bridge/sdk"
)

func main() {
	ports := flag.String("ports", "", "comma separated ports to probe (default: all enumerated)")
	bauds := flag.String("bauds", "115200,57600", "comma separated baud candidates")
	timeout := flag.Duration("timeout", 25*time.Second, "overall scan timeout")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}

	printPorts()
	fmt.Println("")

	opts := sdk.DefaultScanOptions()
	opts.Logger = logging.New(level, true)
	if *ports != "" {
		opts.Ports = splitList(*ports)
	}
	if list, err := parseBauds(*bauds); err != nil {
		fmt.Fprintf(os.Stderr, "bauds: %v\n", err)
		os.Exit(2)
	} else {
		opts.Bauds = list
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	candidates, err := sdk.ScanPorts(ctx, opts)
	dur := time.Since(start)

	fmt.Printf("scan duration: %s\n", dur.Round(time.Millisecond))
	if err != nil {
		fmt.Printf("scan error: %v\n", err)
	}
	fmt.Printf("candidates: %d\n", len(candidates))

	for i, candidate := range candidates {
		fmt.Printf("%2d) %s verified=%v baud=%d reason=%s",
			i+1,
			candidate.Port,
			candidate.Verified,
			candidate.Baud,
			candidate.Reason,
		)
		if info := candidate.Info; info != nil {
			fmt.Printf(" version=%04X type=0x%02X band=%d ch=%d..%d power=%d",
				info.Version, info.Type, info.Band, info.MinChannel, info.MaxChannel, info.Power)
		}
		fmt.Println("")
	}
}

func printPorts() {
	fmt.Println("serial ports:")
	ports, err := transport.ListPorts()
	if err != nil {
		fmt.Printf("  error: %v\n", err)
		return
	}
	if len(ports) == 0 {
		fmt.Println("  (none)")
	}
	for _, port := range ports {
		fmt.Printf("  - %s\n", port)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBauds(raw string) ([]int, error) {
	var out []int
	for _, part := range splitList(raw) {
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid baud %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}
