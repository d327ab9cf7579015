package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling counter.
var Stats = &stats{}

type stats struct {
	FramesSent    atomic.Int64 // signaling frames written to the relay
	FramesRecv    atomic.Int64 // signaling frames read from the relay
	FramesDropped atomic.Int64 // inbound frames rejected by the codec
	BytesSent     atomic.Int64
	BytesRecv     atomic.Int64
	Calls         atomic.Int64 // calls that reached Connected
}

func (s *stats) AddSent(n int) {
	s.FramesSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.FramesRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

func (s *stats) AddDropped() { s.FramesDropped.Add(1) }
func (s *stats) AddCall()    { s.Calls.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs signaling statistics
// every interval when something changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevDropped int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.FramesSent.Load()
				recv := Stats.FramesRecv.Load()
				dropped := Stats.FramesDropped.Load()

				if sent != prevSent || recv != prevRecv || dropped != prevDropped {
					pterm.DefaultLogger.Debug(formatStats(
						sent-prevSent, recv-prevRecv, dropped-prevDropped,
						Stats.BytesSent.Load(), Stats.BytesRecv.Load(),
					))
				}

				prevSent = sent
				prevRecv = recv
				prevDropped = dropped

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a one-line summary of signaling activity since the last tick.
func formatStats(sent, recv, dropped, totalSent, totalRecv int64) string {
	return fmt.Sprintf("Signaling: %3d↑ %3d↓ %2d dropped | Total: %s↑ %s↓",
		sent,
		recv,
		dropped,
		formatBytes(float64(totalSent)),
		formatBytes(float64(totalRecv)),
	)
}
