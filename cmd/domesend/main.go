// Command domesend sends tracking azimuths to domed, one connection per
// value, the way the imaging controller does.
//
//	domesend -addr pi.local:5000 123.4
//	domesend -addr pi.local:5000 -stop
//	producer | domesend -addr pi.local:5000
//
// With no arguments, every line on stdin is sent.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/w1xm/dome_interface/listener"
)

var (
	addr    = flag.String("addr", "127.0.0.1:5000", "domed azimuth listener address")
	stop    = flag.Bool("stop", false, "send the stop keyword instead of an azimuth")
	timeout = flag.Duration("timeout", 5*time.Second, "dial and write timeout")
)

// Send delivers one message on a fresh connection. Azimuths are validated
// the same way the listener will.
func Send(ctx context.Context, addr, msg string, timeout time.Duration) error {
	if msg != "stop" {
		az, err := listener.ParseAzimuth(msg)
		if err != nil {
			return err
		}
		msg = strconv.FormatFloat(az, 'f', -1, 64)
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(conn, msg); err != nil {
		return fmt.Errorf("sending %q: %w", msg, err)
	}
	return nil
}

func main() {
	flag.Parse()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	var msgs []string
	switch {
	case *stop:
		msgs = []string{"stop"}
	case flag.NArg() > 0:
		msgs = flag.Args()
	default:
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := Send(ctx, *addr, scanner.Text(), *timeout); err != nil {
				logger.Error("send failed", "addr", *addr, "error", err)
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Error("reading stdin", "error", err)
			os.Exit(1)
		}
		return
	}
	failed := false
	for _, msg := range msgs {
		if err := Send(ctx, *addr, msg, *timeout); err != nil {
			logger.Error("send failed", "addr", *addr, "error", err)
			failed = true
			continue
		}
		logger.Info("sent", "addr", *addr, "message", msg)
	}
	if failed {
		os.Exit(1)
	}
}
