// control/lifecycle.go
//
// Three-stage signal-driven shutdown and the periodic per-interval stats
// printer, grounded on vasn_tap's main.c (signal_handler/print_stats).

package control

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// Stats is whatever worker.Pool.AggregateStats returns; declared as an
// interface-free struct mirror here so control stays independent of the
// worker package (control is the lower layer in this tree).
type Stats struct {
	PacketsReceived uint64
	PacketsSent     uint64
	PacketsDropped  uint64
	BytesReceived   uint64
	BytesSent       uint64
}

// Lifecycle drives the three-signal shutdown sequence and owns a
// cancellable context consumers can select on. The first signal cancels
// the context (graceful shutdown); the second only logs a warning, and
// shutdown continues along the same graceful path; the third exits the
// process immediately.
type Lifecycle struct {
	ctx        context.Context
	cancel     context.CancelFunc
	sigCount   atomic.Int32
}

// NewLifecycle installs SIGINT/SIGTERM handling and returns a Lifecycle
// whose Done channel closes on the first signal, matching g_running's
// transition to false in signal_handler.
func NewLifecycle() *Lifecycle {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Lifecycle{ctx: ctx, cancel: cancel}

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sig {
			n := l.sigCount.Add(1)
			switch n {
			case 1:
				log.Info("received signal, shutting down...")
				l.cancel()
			case 2:
				log.Warn("received second signal, shutdown in progress; a third signal exits immediately")
			default:
				log.Error("forcing exit!")
				os.Exit(1)
			}
		}
	}()
	return l
}

// Done returns a channel closed once the first shutdown signal arrives.
func (l *Lifecycle) Done() <-chan struct{} { return l.ctx.Done() }

// StatsPrinter prints per-interval (not cumulative-average) pps/Mbps
// deltas every interval, matching print_stats's delta-against-previous-
// sample approach.
type StatsPrinter struct {
	interval time.Duration
	prev     Stats
	prevTime time.Time
	start    time.Time
}

// NewStatsPrinter creates a printer whose first Print computes its deltas
// against zero counters over the nominal interval; elapsed_sec is measured
// from the printer's creation.
func NewStatsPrinter(interval time.Duration) *StatsPrinter {
	now := time.Now()
	return &StatsPrinter{interval: interval, start: now}
}

// Print logs one statistics line for the given snapshot.
func (p *StatsPrinter) Print(s Stats) {
	now := time.Now()
	intervalSec := p.interval.Seconds()
	if !p.prevTime.IsZero() {
		intervalSec = now.Sub(p.prevTime).Seconds()
	}
	if intervalSec < 1.0 {
		intervalSec = 1.0
	}

	deltaRxPkts := s.PacketsReceived - p.prev.PacketsReceived
	deltaTxPkts := s.PacketsSent - p.prev.PacketsSent
	deltaRxBytes := s.BytesReceived - p.prev.BytesReceived
	deltaTxBytes := s.BytesSent - p.prev.BytesSent

	ppsRx := float64(deltaRxPkts) / intervalSec
	ppsTx := float64(deltaTxPkts) / intervalSec
	mbpsRx := float64(deltaRxBytes) * 8 / (intervalSec * 1_000_000)
	mbpsTx := float64(deltaTxBytes) * 8 / (intervalSec * 1_000_000)

	log.WithFields(log.Fields{
		"elapsed_sec": now.Sub(p.start).Seconds(),
		"rx_total":    s.PacketsReceived,
		"rx_pps":      ppsRx,
		"rx_mbps":     mbpsRx,
		"tx_total":    s.PacketsSent,
		"tx_pps":      ppsTx,
		"tx_mbps":     mbpsTx,
		"dropped":     s.PacketsDropped,
	}).Info("statistics")

	p.prev = s
	p.prevTime = now
}
