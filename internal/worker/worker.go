package worker

import "log/slog"

// Worker runs jobs received on its own channel, one at a time.
type Worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
	logger     *slog.Logger
}

func NewWorker(pool *jobChannelPool, logger *slog.Logger) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
		logger:     logger,
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			if !w.pool.Release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
			job := <-w.jobChannel
			if job.stop {
				w.pool.retire(w.jobChannel)
				return
			}
			err := job.execute()
			if err != nil {
				w.logger.Error("job failed", "job", job.Name, "err", err)
			}
			job.finish(err)
		}
	}()
}
