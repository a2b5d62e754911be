// Package lane provides serial workers: each lane runs the jobs submitted to
// it one at a time, in submission order, on its own goroutine.
//
// Channels give every attached rule a lane so that a consumer callback that
// blocks only holds up its own rule. Submit never blocks the caller, which
// lets the channel hand work over while holding its lock.
package lane

import (
	"log"
	"runtime/debug"
	"sync"
	"time"
)

// Lane is a single-worker job queue.
type Lane struct {
	name string

	mu         sync.Mutex
	queue      []func()
	busy       bool
	closed     bool
	lastActive time.Time
	processed  int64
	dropped    int64
	onClosed   func()

	notify chan struct{}
	done   chan struct{}
}

// Stats describes a lane at one instant.
type Stats struct {
	Name       string    `json:"name"`
	Queued     int       `json:"queued"`
	Busy       bool      `json:"busy"`
	Closed     bool      `json:"closed"`
	Processed  int64     `json:"processed"`
	Dropped    int64     `json:"dropped"`
	LastActive time.Time `json:"lastActive"`
}

// New starts a lane. name only appears in logs and stats.
func New(name string) *Lane {
	l := &Lane{
		name:       name,
		lastActive: time.Now(),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go l.run()
	return l
}

// Submit queues job. It reports false once the lane is closed.
func (l *Lane) Submit(job func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, job)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return true
}

// Close stops the lane. Queued jobs that have not started are dropped; a job
// already running is allowed to finish, after which onClosed (if not nil)
// runs on the lane goroutine. Close does not wait and is safe to call from a
// job of the same lane. Only the first call has an effect.
func (l *Lane) Close(onClosed func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.dropped += int64(len(l.queue))
	l.queue = nil
	l.onClosed = onClosed
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Done is closed once the lane goroutine has exited.
func (l *Lane) Done() <-chan struct{} { return l.done }

// Busy reports whether a job is running.
func (l *Lane) Busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busy
}

// Stats returns a snapshot of the lane counters.
func (l *Lane) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Name:       l.name,
		Queued:     len(l.queue),
		Busy:       l.busy,
		Closed:     l.closed,
		Processed:  l.processed,
		Dropped:    l.dropped,
		LastActive: l.lastActive,
	}
}

// run is the lane worker loop.
func (l *Lane) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if l.closed {
			onClosed := l.onClosed
			l.mu.Unlock()
			if onClosed != nil {
				l.exec(onClosed)
			}
			return
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			<-l.notify
			continue
		}
		job := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.busy = true
		l.mu.Unlock()

		l.exec(job)

		l.mu.Lock()
		l.busy = false
		l.processed++
		l.lastActive = time.Now()
		l.mu.Unlock()
	}
}

// exec runs job and keeps the lane alive if it panics. Callers are expected
// to recover their own panics; this is the last line.
func (l *Lane) exec(job func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Lane] %s: job panicked: %v\n%s", l.name, r, debug.Stack())
		}
	}()
	job()
}
