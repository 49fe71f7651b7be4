package main

import (
	"fmt"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter displays a single-line progress message with elapsed (or
// remaining) time. Single-use: Start at most once, Stop exactly once.
type ProgressPrinter struct {
	prefix     string
	phase      atomic.Value // current phase name
	stopPhases map[string]struct{}
	startTime  time.Time
	ticker     atomic.Pointer[time.Ticker]
	stopChan   chan struct{}
	done       chan struct{}
	started    atomic.Bool
	countUp    bool
	duration   time.Duration // countdown mode only
}

// NewProgressPrinter creates a printer that shows elapsed time. Reaching one
// of stopPhases (via Callback) shuts it down automatically.
func NewProgressPrinter(prefix string, phase string, stopPhases ...string) *ProgressPrinter {
	p := &ProgressPrinter{
		prefix:     prefix,
		stopPhases: phaseSet(stopPhases),
		countUp:    true,
	}
	p.phase.Store(phase)
	return p
}

// NewCountdownProgressPrinter creates a printer that counts down from duration.
func NewCountdownProgressPrinter(prefix string, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	p := &ProgressPrinter{
		prefix:     prefix,
		stopPhases: phaseSet(stopPhases),
		duration:   duration,
	}
	p.phase.Store(phase)
	return p
}

func phaseSet(phases []string) map[string]struct{} {
	set := make(map[string]struct{}, len(phases))
	for _, p := range phases {
		set[p] = struct{}{}
	}
	return set
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	fmt.Printf("\r%s (%s...)   ", p.prefix, p.phase.Load().(string))

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				phase := p.phase.Load().(string)
				if _, isStop := p.stopPhases[phase]; isStop {
					return
				}
				p.printProgress(phase, p.seconds())
			}
		}
	}()
}

func (p *ProgressPrinter) seconds() int {
	elapsed := time.Since(p.startTime)
	if p.countUp {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) printProgress(phase string, seconds int) {
	if seconds > 0 {
		fmt.Printf("\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Printf("\r%s (%s...)   ", p.prefix, phase)
	}
}

// Callback returns a progress callback that updates the phase and stops the
// printer when a stop phase is reached. Safe for concurrent use.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, isStop := p.stopPhases[phase]; isStop {
			p.Stop()
		}
	}
}

// Stop stops the display and clears the line. Safe to call multiple times.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Print(clearLineSequence)
}
