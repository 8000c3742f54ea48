// Package listener receives tracking azimuths from the imaging controller.
//
// The wire format is plain text: one decimal azimuth in degrees per line.
// The imaging side usually connects, writes a single value without a
// trailing newline and hangs up; a value ended by EOF counts as a line.
// Only one connection is serviced at a time and a new connection replaces
// the previous one.
package listener

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/w1xm/dome_interface/azimuth"
	"github.com/w1xm/dome_interface/internal/metrics"
)

var (
	ErrMalformed  = errors.New("malformed azimuth")
	ErrOutOfRange = errors.New("azimuth out of range")
)

// ParseAzimuth parses one message. Values must lie in [0, 360]; 360 is
// returned as 0.
func ParseAzimuth(msg string) (float64, error) {
	msg = strings.TrimSpace(msg)
	f, err := strconv.ParseFloat(msg, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformed, msg)
	}
	if !azimuth.Valid(f) || f < 0 || f > 360 {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, f)
	}
	return azimuth.Normalize(f), nil
}

// Publisher receives every accepted azimuth. *target.Channel implements it.
type Publisher interface {
	Publish(az float64)
}

type Listener struct {
	pub Publisher
	log *slog.Logger

	mu     sync.Mutex
	active net.Conn
	closed bool
	wg     sync.WaitGroup
}

func New(pub Publisher, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{pub: pub, log: logger}
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (l *Listener) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return l.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done. Canceling ctx closes
// ln and the active connection; Serve then returns nil. Temporary accept
// failures are retried; if ln is closed underneath it, Serve returns an
// error.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	l.log.Info("listening for azimuth", "addr", ln.Addr())
	l.mu.Lock()
	l.closed = false
	l.mu.Unlock()
	// Handlers exit once the group has closed the active connection.
	defer l.wg.Wait()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Wait for context to be canceled, then close the listener.
		<-ctx.Done()
		ln.Close()
		l.closeActive()
		return nil
	})
	g.Go(func() error {
		var delay time.Duration
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, net.ErrClosed) {
					return fmt.Errorf("accepting azimuth connections: %w", err)
				}
				// Back off as net/http does, e.g. on EMFILE.
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				l.log.Warn("accept failed", "error", err, "retry_in", delay)
				select {
				case <-ctx.Done():
				case <-time.After(delay):
				}
				continue
			}
			delay = 0
			metrics.Connections.Inc()
			if !l.replace(conn) {
				return nil
			}
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.handle(conn)
			}()
		}
		return nil
	})
	return g.Wait()
}

// replace makes conn the active connection, closing any previous one. It
// returns false, closing conn, if the listener is shutting down.
func (l *Listener) replace(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		conn.Close()
		return false
	}
	if l.active != nil {
		l.log.Info("new connection replaces previous", "previous", l.active.RemoteAddr(), "remote", conn.RemoteAddr())
		l.active.Close()
	}
	l.active = conn
	return true
}

func (l *Listener) closeActive() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.active != nil {
		l.active.Close()
		l.active = nil
	}
}

func (l *Listener) release(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == conn {
		l.active = nil
	}
}

func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()
	defer l.release(conn)
	remote := conn.RemoteAddr().String()
	l.log.Debug("accepted connection", "remote", remote)
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		l.handleMessage(remote, scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.log.Warn("reading azimuth connection", "remote", remote, "error", err)
	}
}

func (l *Listener) handleMessage(remote, msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	if strings.EqualFold(msg, "stop") {
		// Sent for images without an azimuth in their header.
		l.log.Info("imaging controller sent no azimuth", "remote", remote)
		metrics.TargetMessages.WithLabelValues("ignored").Inc()
		return
	}
	az, err := ParseAzimuth(msg)
	if err != nil {
		l.log.Warn("rejected azimuth", "remote", remote, "error", err)
		metrics.TargetMessages.WithLabelValues("rejected").Inc()
		return
	}
	l.pub.Publish(az)
	metrics.TargetMessages.WithLabelValues("accepted").Inc()
	l.log.Info("target azimuth", "azimuth", az, "remote", remote)
}
