package session

import (
	"context"
	"time"
)

func (o *Orchestrator) startTipLoop(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	o.mu.Lock()
	if o.state == StateShutDown {
		o.mu.Unlock()
		cancel()
		return
	}
	o.stopLoop, o.loopDone = cancel, done
	epoch := o.epoch
	o.mu.Unlock()

	go o.runTipLoop(ctx, epoch, interval, done)
}

// runTipLoop fires a tip cycle every interval. A tick that lands after
// Shutdown bumped the epoch does nothing.
//
// Each cycle runs on its own goroutine and the loop returns as soon as ctx
// ends, so a listener calling Shutdown from inside a cycle does not wait on
// itself. The abandoned cycle sees the new epoch and sends nothing more.
func (o *Orchestrator) runTipLoop(ctx context.Context, epoch uint64, interval time.Duration, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !o.current(epoch) {
				return
			}
			if o.State() != StateRunning {
				continue
			}

			cycleDone := make(chan struct{})
			go func() {
				defer close(cycleDone)
				o.GenerateAndSendTips(ctx)
			}()

			select {
			case <-ctx.Done():
				return
			case <-cycleDone:
			}
		}
	}
}
