// Package workerpool runs CPU-bound work (sealing, opening, hashing,
// compressing) on a fixed set of goroutines so request goroutines only wait.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	ErrClosed     = errors.New("workerpool: pool closed")
	ErrQueueFull  = errors.New("workerpool: global buffer is full")
	ErrRoomIsFull = errors.New("workerpool: room buffer is full")
)

type WorkerPool struct {
	config    Config
	taskQueue chan Task
	quit      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	workers   sync.WaitGroup
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Room groups tasks whose results are collected together. A room holds at
// most bufferSize results; submitting more tasks than that blocks workers.
type Room struct {
	bufferSize int
	resultChan chan interface{}
	submitted  atomic.Int64
	wp         *WorkerPool
}

type Task struct {
	run  func() interface{}
	room *Room
}

// Result is what Do hands back from a task.
type Result struct {
	Value interface{}
	Err   error
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU()
	}

	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 1024
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan Task, config.GlobalBuffer),
		quit:      make(chan struct{}),
	}

	wp.workers.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for {
		select {
		case t := <-wp.taskQueue:
			t.room.resultChan <- safeRun(t.run)
		case <-wp.quit:
			return
		}
	}
}

// safeRun turns a panicking task into an error result so one bad input does
// not take the process down.
func safeRun(run func() interface{}) (out interface{}) {
	defer func() {
		if r := recover(); r != nil {
			out = Result{Err: fmt.Errorf("workerpool: task panicked: %v", r)}
		}
	}()
	return run()
}

// Workers returns the number of worker goroutines.
func (wp *WorkerPool) Workers() int {
	return wp.config.WorkerCount
}

// Close stops the workers. Queued tasks that have not started are dropped;
// callers blocked in Do return ctx errors or ErrClosed.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		wp.closed.Store(true)
		close(wp.quit)
		wp.workers.Wait()
	})
}

// Do runs fn on a worker and waits for its result or for ctx. When ctx ends
// first, fn may still run to completion but its result is discarded.
func (wp *WorkerPool) Do(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) { // A
	if wp.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	room := wp.CreateRoom(1)
	task := Task{
		run: func() interface{} {
			v, err := fn()
			return Result{Value: v, Err: err}
		},
		room: room,
	}

	select {
	case wp.taskQueue <- task:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wp.quit:
		return nil, ErrClosed
	}

	select {
	case out := <-room.resultChan:
		res := out.(Result)
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wp.quit:
		return nil, ErrClosed
	}
}

func (wp *WorkerPool) CreateRoom(size int) *Room {
	return &Room{
		bufferSize: size,
		resultChan: make(chan interface{}, size),
		wp:         wp,
	}
}

// NewTaskWaitForFreeSlot queues job, waiting for space in the pool's queue.
// It fails with ErrClosed once the pool is closed, or with ctx's error.
func (ro *Room) NewTaskWaitForFreeSlot(ctx context.Context, job func() interface{}) error { // A
	if ro.wp.closed.Load() {
		return ErrClosed
	}
	task := Task{
		run:  job,
		room: ro,
	}
	select {
	case ro.wp.taskQueue <- task:
		ro.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-ro.wp.quit:
		return ErrClosed
	}
}

func (ro *Room) NewTask(job func() interface{}) error {
	if ro.wp.closed.Load() {
		return ErrClosed
	}

	if len(ro.wp.taskQueue) == cap(ro.wp.taskQueue) {
		return ErrQueueFull
	}

	if int(ro.submitted.Load()) >= ro.bufferSize {
		return ErrRoomIsFull
	}

	return ro.NewTaskWaitForFreeSlot(context.Background(), job)
}

// Collect waits for the results of every submitted task. It returns early
// with what it has when the pool is closed.
func (ro *Room) Collect() []interface{} {
	results, _ := ro.CollectContext(context.Background())
	return results
}

// CollectContext waits for the results of every submitted task, for ctx, or
// for the pool to close, whichever comes first. Tasks dropped by Close never
// report, so a closed pool yields ErrClosed unless every result is in.
func (ro *Room) CollectContext(ctx context.Context) ([]interface{}, error) { // A
	want := int(ro.submitted.Load())
	results := make([]interface{}, 0, want)
	for len(results) < want {
		select {
		case r := <-ro.resultChan:
			results = append(results, r)
		case <-ctx.Done():
			return results, ctx.Err()
		case <-ro.wp.quit:
			for len(results) < want {
				select {
				case r := <-ro.resultChan:
					results = append(results, r)
				default:
					return results, ErrClosed
				}
			}
		}
	}
	return results, nil
}
