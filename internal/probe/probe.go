package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	// Prefix starts every latency probe payload; the sequence number follows.
	Prefix = "PATRONUS_PROBE_"
	// BandwidthPayloadSize is the size of each bandwidth test datagram.
	BandwidthPayloadSize = 1024
)

// ErrTimeout is returned when no matching echo arrives in time.
var ErrTimeout = errors.New("probe timed out")

// Payload returns the probe datagram for a sequence number.
func Payload(seq uint64) []byte {
	return []byte(Prefix + strconv.FormatUint(seq, 10))
}

// IsProbe reports whether a datagram looks like a latency probe.
func IsProbe(b []byte) bool {
	return strings.HasPrefix(string(b), Prefix)
}

// Probe sends one probe to addr and waits up to timeout for an identical echo.
// It returns the measured round-trip time.
func Probe(ctx context.Context, addr string, seq uint64, timeout time.Duration) (time.Duration, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	payload := Payload(seq)
	start := time.Now()
	if _, err := conn.Write(payload); err != nil {
		return 0, fmt.Errorf("send probe %d: %w", seq, err)
	}

	if timeout > 0 {
		_ = conn.SetReadDeadline(start.Add(timeout))
	}

	buf := make([]byte, 2048)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return 0, fmt.Errorf("probe %d to %s: %w", seq, addr, ErrTimeout)
			}
			return 0, fmt.Errorf("read echo: %w", err)
		}
		// Stray datagrams are ignored; only the exact echo counts.
		if string(buf[:n]) == string(payload) {
			return time.Since(start), nil
		}
	}
}

// BandwidthResult is the outcome of a sender-side bandwidth test.
type BandwidthResult struct {
	BytesSent int64
	Elapsed   time.Duration
	// Err is the send error that ended the test early, if any.
	Err error
}

// Mbps converts the result to megabits per second.
func (r BandwidthResult) Mbps() float64 {
	secs := r.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(r.BytesSent) * 8 / secs / 1_000_000
}

// SendBandwidth streams zero-filled datagrams to addr, one per pacing
// interval, until duration elapses, ctx is done, or a send fails. A send
// failure is reported in the result together with the partial count; only
// setup failures return an error.
func SendBandwidth(ctx context.Context, addr string, duration, pacing time.Duration) (BandwidthResult, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return BandwidthResult{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	payload := make([]byte, BandwidthPayloadSize)
	var res BandwidthResult

	start := time.Now()
	deadline := start.Add(duration)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		n, err := conn.Write(payload)
		if err != nil {
			res.Err = err
			break
		}
		res.BytesSent += int64(n)
		if pacing > 0 {
			time.Sleep(pacing)
		}
	}
	res.Elapsed = time.Since(start)
	return res, nil
}
