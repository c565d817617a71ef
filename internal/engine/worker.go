package engine

import (
	"context"
	"fmt"
	"sync"
)

// PoolStats counts what a StepPool has run so far.
type PoolStats struct {
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Panics    int `json:"panics"`
	Peak      int `json:"peak"` // highest observed concurrency
}

// StepPool runs the steps of one level with at most size of them in
// flight. Go blocks while every slot is taken.
type StepPool struct {
	slots chan struct{}
	tasks sync.WaitGroup

	mu    sync.Mutex
	stats PoolStats

	// OnPanic receives a recovered panic together with the step it came from.
	OnPanic func(stepID string, v any)
}

func NewStepPool(size int) *StepPool {
	return &StepPool{slots: make(chan struct{}, max(size, 1))}
}

func (p *StepPool) Size() int { return cap(p.slots) }

// Go starts task for stepID once a slot frees up. It gives up with
// ctx.Err().
func (p *StepPool) Go(ctx context.Context, stepID string, task func(ctx context.Context)) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	p.tasks.Add(1)
	p.stats.Active++
	p.stats.Peak = max(p.stats.Peak, p.stats.Active)
	p.mu.Unlock()

	go p.run(ctx, stepID, task)
	return nil
}

func (p *StepPool) run(ctx context.Context, stepID string, task func(ctx context.Context)) {
	panicked := true
	defer func() {
		var v any
		if panicked {
			v = recover()
		}
		p.mu.Lock()
		p.stats.Active--
		if panicked {
			p.stats.Panics++
		} else {
			p.stats.Completed++
		}
		p.mu.Unlock()
		<-p.slots
		if panicked && p.OnPanic != nil {
			p.OnPanic(stepID, v)
		}
		p.tasks.Done()
	}()
	task(ctx)
	panicked = false
}

// Settled closes once every task started so far has returned.
func (p *StepPool) Settled() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		p.tasks.Wait()
		close(ch)
	}()
	return ch
}

func (p *StepPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (s PoolStats) String() string {
	return fmt.Sprintf("active=%d completed=%d panics=%d peak=%d", s.Active, s.Completed, s.Panics, s.Peak)
}
