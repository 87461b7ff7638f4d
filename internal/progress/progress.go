package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chunkxfer/internal/logging"
	"chunkxfer/internal/session"

	"github.com/dustin/go-humanize"
)

const (
	refreshInterval = 1 * time.Second
	speedWindowSize = 5
	barWidth        = 30
)

// Stats holds transfer statistics
type Stats struct {
	TotalBytes       atomic.Uint64
	TransferredBytes atomic.Uint64
	Chunks           atomic.Int64
	StartTime        time.Time
}

// Percent returns how much of the declared size has arrived. An empty
// transfer counts as complete.
func (s *Stats) Percent() float64 {
	total := s.TotalBytes.Load()
	if total == 0 {
		return 100
	}
	return float64(s.TransferredBytes.Load()) / float64(total) * 100
}

// Tracker follows one session: it logs every phase change, counts payload
// bytes, and drives a console progress bar while the payload streams.
type Tracker struct {
	stats Stats
	out   io.Writer

	mu       sync.Mutex
	reporter *Reporter
	last     session.State
}

// NewTracker creates a tracker. A nil out disables the console bar.
func NewTracker(out io.Writer) *Tracker {
	return &Tracker{out: out}
}

// SetTotal records the declared payload size.
func (t *Tracker) SetTotal(total uint64) {
	t.stats.TotalBytes.Store(total)
}

// Stats exposes the live counters.
func (t *Tracker) Stats() *Stats {
	return &t.stats
}

// State returns the last state the session reported.
func (t *Tracker) State() session.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// OnTransition implements session.Observer.
func (t *Tracker) OnTransition(id string, from, to session.State) {
	logging.LogStateChange(id, from.String(), to.String())

	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = to

	switch {
	case to == session.Streaming:
		t.stats.StartTime = time.Now()
		if t.out != nil {
			t.reporter = NewReporter(&t.stats, t.out)
			t.reporter.Start()
		}
	case to.Terminal():
		if t.reporter != nil {
			t.reporter.Stop()
			t.reporter = nil
		}
	}
}

// OnChunk implements session.Observer.
func (t *Tracker) OnChunk(_ string, size int) {
	t.stats.TransferredBytes.Add(uint64(size))
	t.stats.Chunks.Add(1)
}

// Reporter handles progress reporting
type Reporter struct {
	stats  *Stats
	out    io.Writer
	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewReporter creates a new progress reporter writing to out
func NewReporter(stats *Stats, out io.Writer) *Reporter {
	return &Reporter{
		stats: stats,
		out:   out,
		done:  make(chan struct{}),
	}
}

// Start begins progress reporting
func (r *Reporter) Start() {
	r.ticker = time.NewTicker(refreshInterval)
	r.wg.Add(1)
	go r.reportLoop()
}

// Stop stops progress reporting and draws the final state
func (r *Reporter) Stop() {
	r.ticker.Stop()
	close(r.done)
	r.wg.Wait()
	fmt.Fprintln(r.out, r.render(0, ""))
}

// reportLoop runs the progress reporting loop
func (r *Reporter) reportLoop() {
	defer r.wg.Done()

	lastTransferred := r.stats.TransferredBytes.Load()
	lastUpdate := time.Now()

	// For calculating moving average speed
	speedHistory := make([]float64, 0, speedWindowSize)

	for {
		select {
		case now := <-r.ticker.C:
			transferred := r.stats.TransferredBytes.Load()
			if elapsed := now.Sub(lastUpdate).Seconds(); elapsed > 0 {
				speedHistory = append(speedHistory, float64(transferred-lastTransferred)/elapsed)
				if len(speedHistory) > speedWindowSize {
					speedHistory = speedHistory[1:] // Remove oldest entry
				}
			}
			lastTransferred, lastUpdate = transferred, now

			avg := average(speedHistory)
			fmt.Fprint(r.out, "\r"+r.render(avg, r.eta(avg)))
		case <-r.done:
			return
		}
	}
}

// render formats the bar line for the current counters
func (r *Reporter) render(speed float64, eta string) string {
	percent := r.stats.Percent()
	completed := int(float64(barWidth) * percent / 100)
	if completed > barWidth {
		completed = barWidth
	}
	bar := strings.Repeat("█", completed) + strings.Repeat("░", barWidth-completed)

	line := fmt.Sprintf("[%s] %.1f%% (%s/%s)",
		bar,
		percent,
		humanize.IBytes(r.stats.TransferredBytes.Load()),
		humanize.IBytes(r.stats.TotalBytes.Load()))
	if speed > 0 {
		line += fmt.Sprintf(" at %s/s", humanize.IBytes(uint64(speed)))
	}
	if eta != "" {
		line += " ETA: " + eta
	}
	return line
}

func (r *Reporter) eta(speed float64) string {
	if speed <= 0 {
		return "calculating..."
	}
	total := r.stats.TotalBytes.Load()
	transferred := r.stats.TransferredBytes.Load()
	if transferred >= total {
		return "0 sec"
	}
	remaining := float64(total-transferred) / speed

	switch {
	case remaining < 60:
		return fmt.Sprintf("%.0f sec", remaining)
	case remaining < 3600:
		return fmt.Sprintf("%.1f min", remaining/60)
	default:
		return fmt.Sprintf("%.1f hr", remaining/3600)
	}
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
