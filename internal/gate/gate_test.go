// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package gate_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/txthread/txthread/internal/gate"
)

// TestScheduleWakeupEconomy is the gate's headline testable property: no
// matter how many goroutines call Schedule while the gate is Blocked, only
// the one that observes the Blocked->NotBlocked transition is told to wake
// the loop.
func TestScheduleWakeupEconomy(t *testing.T) {
	g := gate.New[int]()

	var wakeups int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if g.Schedule(i) {
				mu.Lock()
				wakeups++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wakeups)
	assert.Len(t, g.SwapAndTake(), 1000)
}

func TestSwapAndTakeDrainsOnlyOnce(t *testing.T) {
	g := gate.New[int]()
	g.Schedule(1)
	g.Schedule(2)

	work := g.SwapAndTake()
	assert.Equal(t, []int{1, 2}, work)
	assert.Empty(t, g.SwapAndTake())
}

func TestFinishTurnResetsToBlockedWhenDrained(t *testing.T) {
	g := gate.New[int]()
	g.Schedule(1)
	g.SwapAndTake()

	assert.False(t, g.FinishTurn())
	// The gate reset to Blocked, so the next Schedule call must report a
	// wakeup is owed again.
	assert.True(t, g.Schedule(2))
}

func TestFinishTurnReportsPendingWorkScheduledMidTurn(t *testing.T) {
	g := gate.New[int]()
	g.Schedule(1)
	g.SwapAndTake()

	// New work arrives while the turn is still being processed, before
	// FinishTurn re-checks the gate.
	g.Schedule(2)

	assert.True(t, g.FinishTurn())
}
