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

//go:build linux
// +build linux

package txthread

import (
	"context"
	"sync"
)

// Group runs n independent ThreadContexts bound to the same address via
// SO_REUSEPORT, each on its own goroutine, optionally pinned to CPUs 0..n-1.
// Grounded on tnet's PollMgr.run pattern of spawning N loop goroutines at
// startup, generalized from "N pollers sharing fd registrations" to "N
// independent per-thread contexts sharing a listen address".
type Group struct {
	threads []*ThreadContext
}

// NewGroup creates n ThreadContexts, each built from cfg with CPUID
// overridden to i for the i-th thread when pin is true. It does not start
// their loops; Run does.
func NewGroup(n int, cfg Config, pin bool) (*Group, error) {
	g := &Group{threads: make([]*ThreadContext, 0, n)}
	for i := 0; i < n; i++ {
		c := cfg
		if pin {
			cpu := i
			c.CPUID = &cpu
		}
		t, err := Listen(c)
		if err != nil {
			g.stopAll()
			return nil, err
		}
		g.threads = append(g.threads, t)
	}
	return g, nil
}

// Threads returns the group's ThreadContexts, in creation order.
func (g *Group) Threads() []*ThreadContext { return g.threads }

// Run starts every thread's loop on its own goroutine and blocks until all
// have returned or ctx is cancelled.
func (g *Group) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(g.threads))
	for i, t := range g.threads {
		wg.Add(1)
		go func(i int, t *ThreadContext) {
			defer wg.Done()
			errs[i] = t.Run(ctx)
		}(i, t)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Stop requests an orderly shutdown of every thread in the group.
func (g *Group) Stop() { g.stopAll() }

func (g *Group) stopAll() {
	for _, t := range g.threads {
		t.Stop()
	}
}
