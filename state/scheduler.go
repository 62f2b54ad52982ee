package state

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Dispatch Dispatches the function to run on the main thread without waiting for it to complete
func (e *Env) Dispatch(fun func(*State) error) {
	defer func() {
		if r := recover(); r != nil {
			e.Cancel(fmt.Errorf("panic: %v", r))
		}
	}()
	select {
	case e.DispatchChannel <- fun:
	case <-e.Context.Done():
	}
}

// DispatchWait Dispatches the function to run on the main thread and wait for it to complete
func (e *Env) DispatchWait(fun func(*State) (any, error)) (any, error) {
	ret := make(chan Pair[any, error], 1)
	e.Dispatch(func(s *State) error {
		res, err := fun(s)
		ret <- Pair[any, error]{res, err}
		return err
	})
	select {
	case res := <-ret:
		return res.V1, res.V2
	case <-e.Context.Done():
		return nil, e.Context.Err()
	}
}

// Task is a scheduled dispatch. A stopped task is dropped even if it already reached the dispatch queue.
type Task struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

func (t *Task) Stop() bool {
	t.timer.Stop()
	return !t.cancelled.Swap(true)
}

func (e *Env) ScheduleTask(fun func(*State) error, delay time.Duration) *Task {
	t := &Task{}
	t.timer = time.AfterFunc(delay, func() {
		e.Dispatch(func(s *State) error {
			if t.cancelled.Load() {
				return nil
			}
			t.cancelled.Store(true)
			return fun(s)
		})
	})
	return t
}

func (e *Env) repeatedTask(fun func(*State) error, delay time.Duration) {
	for e.Context.Err() == nil {
		e.Dispatch(fun)
		select {
		case <-time.After(delay):
		case <-e.Context.Done():
		}
	}
}

func (e *Env) RepeatTask(fun func(*State) error, delay time.Duration) {
	go e.repeatedTask(fun, delay)
}
