package assets

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/spaghettifunk/sketchvk/engine/core"
)

// Job runs Work on a worker. OnComplete or OnFailure then runs on the
// goroutine calling JobSystem.Update, which is where GPU uploads belong.
type Job struct {
	Work       func() (any, error)
	OnComplete func(result any)
	OnFailure  func(err error)
}

type finishedJob struct {
	job    Job
	result any
	err    error
}

type JobSystem struct {
	numWorkers int
	jobQueue   chan Job
	wg         sync.WaitGroup

	mu       sync.Mutex
	finished []finishedJob
	pending  int
}

var ErrNoWorkers = errors.New("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = errors.New("attempting to create worker pool with a negative channel size")

func NewJobSystem(numWorkers int, channelSize int) (*JobSystem, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	js := &JobSystem{
		numWorkers: numWorkers,
		jobQueue:   make(chan Job, channelSize),
	}

	js.start()

	return js, nil
}

func (js *JobSystem) start() {
	for i := 0; i < js.numWorkers; i++ {
		js.wg.Add(1)
		go func() {
			defer js.wg.Done()
			for job := range js.jobQueue {
				result, err := job.Work()
				if err != nil {
					core.LogError("%s", err.Error())
				}
				js.mu.Lock()
				js.finished = append(js.finished, finishedJob{job: job, result: result, err: err})
				js.mu.Unlock()
			}
		}()
	}
}

// Shutdown stops the workers after the queued jobs ran. Callbacks of jobs
// that finished after the last Update are dropped.
func (js *JobSystem) Shutdown() error {
	close(js.jobQueue)
	js.wg.Wait()
	return nil
}

// Update runs the callbacks of finished jobs. Should happen once an update
// cycle.
func (js *JobSystem) Update() {
	js.mu.Lock()
	done := js.finished
	js.finished = nil
	js.pending -= len(done)
	js.mu.Unlock()

	for _, f := range done {
		if f.err != nil {
			if f.job.OnFailure != nil {
				f.job.OnFailure(f.err)
			}
			continue
		}
		if f.job.OnComplete != nil {
			f.job.OnComplete(f.result)
		}
	}
}

// Pending counts jobs submitted whose callbacks have not run yet.
func (js *JobSystem) Pending() int {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.pending
}

// Submit queues a job, blocking while the queue is full.
func (js *JobSystem) Submit(job Job) {
	js.mu.Lock()
	js.pending++
	js.mu.Unlock()
	js.jobQueue <- job
}
