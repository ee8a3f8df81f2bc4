//
//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2023 THL A29 Limited, a Tencent company.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

// Package gate provides the scheduling gate: the cross-thread hand-off that
// lets foreign threads request work from the loop thread while guaranteeing
// at most one wakeup-pipe byte per parked interval. It is the two-list
// producer pattern from spec.md §9: two send-request lists, swapped under a
// mutex, so a producer's append and the loop's drain never contend on the
// same slice.
package gate

import (
	"go.uber.org/atomic"

	"github.com/txthread/txthread/internal/locker"
)

// State is the loop's parked/running indicator.
type State int32

// The two states a loop can be in with respect to epoll_wait.
const (
	Blocked State = iota
	NotBlocked
)

// Gate holds the two swapped lists plus the epollState CAS. T is the
// scheduled-work item type (spec.md's ScheduledSend references exactly one
// TSocket); the root package instantiates Gate[TSocket].
type Gate[T any] struct {
	mu      locker.Locker
	state   atomic.Int32
	adding  []T
	running []T
}

// New creates a Gate in the Blocked state (matches a freshly parked loop).
func New[T any]() *Gate[T] {
	return &Gate[T]{}
}

// Schedule appends item to the adding list and atomically marks the gate
// NotBlocked, returning true iff the caller must write a wakeup byte (i.e.
// the gate was Blocked immediately before this call). At most one true is
// produced per parked interval, regardless of how many goroutines call
// Schedule concurrently, because the CAS-like swap only returns true for
// whichever caller observes the Blocked->NotBlocked transition.
func (g *Gate[T]) Schedule(item T) (mustWake bool) {
	g.mu.Lock()
	prev := g.state.Swap(int32(NotBlocked))
	g.adding = append(g.adding, item)
	g.mu.Unlock()
	return State(prev) == Blocked
}

// SwapAndTake swaps the adding/running lists under the gate and returns the
// work accumulated since the last SwapAndTake call. The loop calls this once
// per iteration, after parking in epoll_wait.
func (g *Gate[T]) SwapAndTake() []T {
	g.mu.Lock()
	g.adding, g.running = g.running[:0], g.adding
	work := g.running
	g.mu.Unlock()
	return work
}

// FinishTurn re-enters the gate after processing a turn's work. If no new
// work arrived while processing, it resets the gate to Blocked (so the next
// Schedule call will trigger a wakeup byte); otherwise it leaves the gate
// NotBlocked and returns true, telling the loop to self-wake via the pipe
// instead of parking.
func (g *Gate[T]) FinishTurn() (morePending bool) {
	g.mu.Lock()
	morePending = len(g.adding) > 0
	if !morePending {
		g.state.Store(int32(Blocked))
	}
	g.mu.Unlock()
	return morePending
}
