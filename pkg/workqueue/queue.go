// Package workqueue runs low-priority background work with bounded
// concurrency. Work that cannot get a slot is shed: its cancel callback is
// invoked instead, so that callers can always resolve their pending state.
package workqueue

import (
	"sync"
	"time"
)

// Config configures the queue.
type Config struct {
	// MaxConcurrent is the maximum number of tasks running at once.
	// Default: 8
	MaxConcurrent int `yaml:"maxConcurrent"`

	// MaxWait is how long a task may wait for a slot before it is shed.
	// Default: 0 (shed immediately when all slots are busy)
	MaxWait time.Duration `yaml:"maxWait"`
}

// Queue limits concurrent background tasks.
type Queue struct {
	config Config
	sem    chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	active    int
	maxActive int
	rejected  int64
}

// New creates a new queue.
func New(config Config) *Queue {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 8
	}
	return &Queue{
		config: config,
		sem:    make(chan struct{}, config.MaxConcurrent),
	}
}

// AddLowPriority schedules run on its own goroutine once a slot is free.
// If no slot frees up within MaxWait, cancel is called synchronously
// instead. Exactly one of run and cancel is called.
func (q *Queue) AddLowPriority(run func(), cancel func()) {
	if !q.acquire() {
		q.mu.Lock()
		q.rejected++
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.release()
		run()
	}()
}

func (q *Queue) acquire() bool {
	select {
	case q.sem <- struct{}{}:
		q.started()
		return true
	default:
	}
	if q.config.MaxWait <= 0 {
		return false
	}
	timer := time.NewTimer(q.config.MaxWait)
	defer timer.Stop()
	select {
	case q.sem <- struct{}{}:
		q.started()
		return true
	case <-timer.C:
		return false
	}
}

func (q *Queue) started() {
	q.mu.Lock()
	q.active++
	if q.active > q.maxActive {
		q.maxActive = q.active
	}
	q.mu.Unlock()
}

func (q *Queue) release() {
	q.mu.Lock()
	q.active--
	q.mu.Unlock()
	<-q.sem
}

// Wait blocks until every accepted task has returned.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Metrics returns current queue statistics.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Metrics{
		Active:        q.active,
		MaxActive:     q.maxActive,
		MaxConcurrent: q.config.MaxConcurrent,
		Rejected:      q.rejected,
	}
}

// Metrics contains queue statistics.
type Metrics struct {
	Active        int   `json:"active"`
	MaxActive     int   `json:"maxActive"`
	MaxConcurrent int   `json:"maxConcurrent"`
	Rejected      int64 `json:"rejected"`
}
