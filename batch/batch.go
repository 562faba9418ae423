// Package batch spreads many image operations over several delegate clients.
// A client runs one operation at a time, so parallelism comes from the number
// of clients; each client pulls jobs from a shared queue until it is empty.
package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/imgdelegate/delegate"
	"github.com/cyberinferno/imgdelegate/imagebuf"
	"github.com/cyberinferno/imgdelegate/operation"
)

// ErrNoClients is returned by Run when the Runner has no clients.
var ErrNoClients = errors.New("batch: no clients")

// ErrClientsLost is reported for jobs left over after every client lost its
// connection.
var ErrClientsLost = errors.New("batch: every client lost its connection")

// Processor is the part of *delegate.Client the Runner needs.
type Processor interface {
	Process(ctx context.Context, img *imagebuf.ImageBuffer, op operation.Operation, params operation.Params) (*imagebuf.ImageBuffer, error)
}

var _ Processor = (*delegate.Client)(nil)

// Job is one operation to run.
type Job struct {
	Image     *imagebuf.ImageBuffer
	Operation operation.Operation
	Params    operation.Params
}

// Result is the outcome of the job at the same index.
type Result struct {
	Image    *imagebuf.ImageBuffer
	Err      error
	Worker   int           // Index of the client that ran the job
	Duration time.Duration // Time spent in Process
}

// Runner distributes jobs over its clients.
//
// A client whose request times out or is canceled is disconnected by the
// delegate package; its worker then stops and the other clients take the
// remaining jobs.
type Runner struct {
	clients []Processor

	// StopOnError stops handing out jobs after the first failure. Requests
	// already in flight on other clients finish normally. Jobs that never
	// ran report context.Canceled.
	StopOnError bool
}

// NewRunner creates a Runner over connected clients.
//
// Parameters:
//   - clients: One worker per client; they must not be used elsewhere while Run is active
//
// Returns:
//   - A new Runner
func NewRunner(clients ...Processor) *Runner {
	return &Runner{clients: clients}
}

// Run processes jobs and returns one Result per job, in job order.
// Per-job failures are reported in the Results; the returned error is
// ErrNoClients, or ctx.Err() when ctx ended before all jobs ran.
func (r *Runner) Run(ctx context.Context, jobs []Job) ([]Result, error) {
	if len(r.clients) == 0 {
		return nil, ErrNoClients
	}

	results := make([]Result, len(jobs))
	queue := make(chan int, len(jobs))
	for i := range jobs {
		results[i].Worker = -1
		results[i].Err = context.Canceled
		queue <- i
	}
	close(queue)

	var stopped atomic.Bool

	var g errgroup.Group
	g.SetLimit(len(r.clients))

	for w, client := range r.clients {
		g.Go(func() error {
			for idx := range queue {
				if err := ctx.Err(); err != nil {
					results[idx].Err = err
					continue
				}
				if stopped.Load() {
					continue
				}

				job := jobs[idx]
				start := time.Now()
				img, err := client.Process(ctx, job.Image, job.Operation, job.Params)
				results[idx] = Result{Image: img, Err: err, Worker: w, Duration: time.Since(start)}

				if err == nil {
					continue
				}
				if r.StopOnError {
					stopped.Store(true)
				}
				if connectionLost(err) {
					return nil
				}
			}
			return nil
		})
	}

	_ = g.Wait()

	// only reachable when every worker returned early
	for idx := range queue {
		if err := ctx.Err(); err != nil {
			results[idx].Err = err
		} else if !stopped.Load() {
			results[idx].Err = ErrClientsLost
		}
	}

	return results, ctx.Err()
}

// connectionLost reports whether err left the client without a connection.
func connectionLost(err error) bool {
	switch delegate.KindOf(err) {
	case delegate.KindTimeout, delegate.KindCanceled, delegate.KindNotConnected:
		return true
	default:
		return false
	}
}
