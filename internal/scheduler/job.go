// Package scheduler runs periodic tasks on an injectable clock so callers can drive
// virtual time in tests.
package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Job is a running periodic task.
type Job struct {
	ticker   *clock.Ticker
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Every invokes task once per interval until Stop is called. Ticks that arrive while the
// previous invocation is still running are coalesced.
func Every(clk clock.Clock, interval time.Duration, task func()) *Job {
	if clk == nil {
		clk = clock.New()
	}
	job := &Job{
		ticker: clk.Ticker(interval),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go job.run(task)
	return job
}

func (j *Job) run(task func()) {
	defer close(j.done)
	for {
		select {
		case <-j.stop:
			return
		case <-j.ticker.C:
			select {
			case <-j.stop:
				return
			default:
			}
			task()
		}
	}
}

// Stop halts the ticker and waits for an in-progress invocation to return.
func (j *Job) Stop() {
	if j == nil {
		return
	}
	j.stopOnce.Do(func() {
		j.ticker.Stop()
		close(j.stop)
	})
	<-j.done
}
