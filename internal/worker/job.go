package worker

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDispatcherBusy is returned when the job queue is full.
	ErrDispatcherBusy = errors.New("dispatcher busy")
	// ErrDispatcherClosed is returned for jobs submitted after, or dropped by, Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Job is a unit of work run on a pooled worker.
type Job struct {
	Name string
	Run  func(ctx context.Context)

	ctx    context.Context
	done   chan error
	finish func(error)
	stop   bool
}

func (job Job) execute() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	job.Run(job.ctx)
	return nil
}
