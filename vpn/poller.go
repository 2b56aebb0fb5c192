package vpn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Sampler reads tunnel counters. TunnelTransport satisfies it.
type Sampler interface {
	Sample(ctx context.Context, handle TunnelHandle) (Statistics, error)
}

// Poller samples tunnel statistics on a fixed interval while a session is
// connected. At most one sample is in flight at any time, and no sample is
// delivered after Stop returns.
type Poller struct {
	sampler  Sampler
	interval time.Duration
	timeout  time.Duration

	mu   sync.Mutex
	run  *pollRun
	runs uint64

	sampleMu sync.Mutex
	latest   atomic.Pointer[Statistics]
	onResult atomic.Pointer[func(error)]
}

type pollRun struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller that samples every interval, bounding each
// sample by timeout.
func NewPoller(sampler Sampler, interval, timeout time.Duration) *Poller {
	return &Poller{
		sampler:  sampler,
		interval: interval,
		timeout:  timeout,
	}
}

// SetOnResult sets a callback invoked after every polled sample with its
// error, or nil on success. It runs on the poller goroutine and must not
// call Start or Stop.
func (p *Poller) SetOnResult(callback func(error)) {
	p.onResult.Store(&callback)
}

// Start begins polling handle, replacing any previous run. It returns an
// identifier for the run that StopRun accepts.
func (p *Poller) Start(handle TunnelHandle) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()
	p.latest.Store(nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.runs++
	run := &pollRun{id: p.runs, cancel: cancel, done: make(chan struct{})}
	p.run = run

	go p.loop(ctx, run, handle)
	return run.id
}

// Stop ends the current run, if any, and waits for it to exit.
// It is safe to call when not running.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// StopRun stops the run identified by id if it is still the current one.
func (p *Poller) StopRun(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run != nil && p.run.id == id {
		p.stopLocked()
	}
}

// Running reports whether a run is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run != nil
}

func (p *Poller) stopLocked() {
	if p.run == nil {
		return
	}
	p.run.cancel()
	<-p.run.done
	p.run = nil
}

// Latest returns the most recent polled snapshot.
func (p *Poller) Latest() (Statistics, bool) {
	s := p.latest.Load()
	if s == nil {
		return Statistics{}, false
	}
	return *s, true
}

// Sample takes one bounded sample, serialized with the polling loop.
func (p *Poller) Sample(ctx context.Context, handle TunnelHandle) (Statistics, error) {
	p.sampleMu.Lock()
	defer p.sampleMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.sampler.Sample(ctx, handle)
}

func (p *Poller) loop(ctx context.Context, run *pollRun, handle TunnelHandle) {
	defer close(run.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats, err := p.Sample(ctx, handle)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			if stats.SampledAt.IsZero() {
				stats.SampledAt = time.Now()
			}
			p.latest.Store(&stats)
		}
		if cb := p.onResult.Load(); cb != nil && *cb != nil {
			(*cb)(err)
		}
	}
}
