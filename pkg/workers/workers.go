// Copyright (c) NebulaChat
// SPDX-License-Identifier: Apache-2.0

// Package workers provides the fixed-size goroutine pool that executes
// request handling and cache rebuilds off the event loop thread.
package workers

import (
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/elaysia-feng/nebulachat/pkg/queue"
)

// Pool runs submitted tasks on a fixed set of goroutines fed from a
// bounded queue. Submission blocks once the queue is full, which applies
// backpressure to the event loop instead of growing memory without bound.
type Pool struct {
	tasks  *queue.Queue[func()]
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New starts size workers over a queue holding up to backlog pending
// tasks. A backlog of zero or less makes the queue unbounded.
func New(size, backlog int, logger *slog.Logger) *Pool {
	p := &Pool{
		tasks:  queue.New[func()](backlog),
		logger: logger,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		task, ok := p.tasks.Take()
		if !ok {
			return
		}
		p.exec(task)
	}
}

// A panicking task must not take its worker down with it.
func (p *Pool) exec(task func()) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("worker task panicked",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	task()
}

// Submit enqueues a task, blocking while the queue is full. It reports
// false once the pool has been stopped.
func (p *Pool) Submit(task func()) bool {
	return p.tasks.Put(task)
}

// Backlog returns the number of tasks waiting for a worker.
func (p *Pool) Backlog() int {
	return p.tasks.Len()
}

// Stop rejects new submissions, lets the workers drain what is already
// queued, and returns once all of them have exited.
func (p *Pool) Stop() {
	p.tasks.Stop()
	p.wg.Wait()
}
