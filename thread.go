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
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/txthread/txthread/internal/aio"
	"github.com/txthread/txthread/internal/acceptq"
	"github.com/txthread/txthread/internal/gate"
	"github.com/txthread/txthread/internal/mempool"
	"github.com/txthread/txthread/internal/sys"
	"github.com/txthread/txthread/internal/wakeup"
	"github.com/txthread/txthread/log"
	"github.com/txthread/txthread/metrics"
)

const (
	// baseClientFlags is what every client socket is always armed for:
	// EPOLLERR and EPOLLHUP are reported by the kernel regardless of whether
	// they're requested, so they aren't listed here, only EPOLLRDHUP needs
	// asking for explicitly. EPOLLOUT is added on top of this per rearm call,
	// only while the socket's pending mask actually wants it (§4.2): arming
	// it unconditionally would have epoll_wait return ready on every turn for
	// a socket with nothing queued to send.
	baseClientFlags = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLONESHOT
	// acceptFlags is level-triggered: spec.md §4.2 keeps accept sockets armed
	// continuously rather than re-arming per event, since accept() itself
	// drains readiness.
	acceptFlags = unix.EPOLLIN | unix.EPOLLERR
)

type mapEntry struct {
	accept *AcceptSocket
	client TSocket
}

// ThreadContext is one OS thread's event-loop core: one epoll instance, a
// pipe wakeup channel, an fd-to-socket map, a buffer pool, an optional AIO
// arena, and the scheduling gate foreign goroutines use to request sends.
type ThreadContext struct {
	cfg Config

	epfd int
	pipe *wakeup.Pipe

	mapMu   sync.Mutex
	sockets map[int]mapEntry

	gate *gate.Gate[TSocket]
	pool *mempool.Pool

	aioRecv *aio.Context
	aioSend *aio.Context

	accept  *acceptq.Queue[TSocket]
	factory SocketFactory

	dispatch *ants.Pool

	events []unix.EpollEvent

	closeOnce sync.Once
	closed    chan struct{}

	// fatal is invoked for loop-ending invariant violations. Overridable in
	// tests; defaults to log.Fatalf so a production process exits loudly
	// instead of silently wedging on a corrupted loop.
	fatal func(err error)
}

// New creates a ThreadContext from cfg. It does not start accepting
// connections; callers register accept sockets with RegisterAccept (or use
// the package-level Listen/NewGroup convenience constructors) before Run.
func New(cfg Config) (*ThreadContext, error) {
	cfg.setDefaults()

	epfd := sys.EpollCreate1(unix.EPOLL_CLOEXEC)
	if !epfd.Ok() {
		return nil, errors.Wrap(epfd.Errno(), "epoll_create1")
	}
	p, err := wakeup.New()
	if err != nil {
		sys.Close(epfd.Int())
		return nil, errors.Wrap(err, "wakeup pipe")
	}

	t := &ThreadContext{
		cfg:     cfg,
		epfd:    epfd.Int(),
		pipe:    p,
		sockets: make(map[int]mapEntry),
		gate:    gate.New[TSocket](),
		pool:    mempool.New(),
		accept:  acceptq.New[TSocket](),
		events:  make([]unix.EpollEvent, EventBufferLength),
		closed:  make(chan struct{}),
		fatal:   func(err error) { log.Fatalf("txthread: %v", err) },
	}

	if cfg.AioReceive {
		ctx, err := aio.NewContext(EventBufferLength, IoVectorsPerAioSocket)
		if err != nil {
			t.closeFDs()
			return nil, errors.Wrap(err, "aio receive context")
		}
		t.aioRecv = ctx
	}
	if cfg.AioSend {
		ctx, err := aio.NewContext(EventBufferLength, IoVectorsPerAioSocket)
		if err != nil {
			t.closeFDs()
			return nil, errors.Wrap(err, "aio send context")
		}
		t.aioSend = ctx
	}
	if cfg.ApplicationSchedulingMode == Dispatch {
		p, err := ants.NewPool(cfg.DispatchPoolSize)
		if err != nil {
			t.closeFDs()
			return nil, errors.Wrap(err, "dispatch pool")
		}
		t.dispatch = p
	}

	var ev unix.EpollEvent
	ev.Events = unix.EPOLLIN
	ev.Fd = int32(p.ReadFD)
	if res := sys.EpollCtl(t.epfd, unix.EPOLL_CTL_ADD, p.ReadFD, &ev); !res.Ok() {
		t.closeFDs()
		return nil, errors.Wrap(res.Errno(), "register wakeup pipe")
	}

	return t, nil
}

func (t *ThreadContext) closeFDs() {
	sys.Close(t.epfd)
	t.pipe.Close()
	if t.aioRecv != nil {
		t.aioRecv.Close()
	}
	if t.aioSend != nil {
		t.aioSend.Close()
	}
}

// AcceptQueue returns the queue accepted connections are delivered on in the
// order the loop produced them.
func (t *ThreadContext) AcceptQueue() *acceptq.Queue[TSocket] { return t.accept }

// SetFactory installs the function used to build a TSocket for each newly
// accepted or passed-in connection. Must be called before RegisterAccept.
func (t *ThreadContext) SetFactory(f SocketFactory) { t.factory = f }

// ScheduleSend registers a pending send request for sock, waking the loop if
// it is currently parked in epoll_wait. Safe to call from any goroutine.
func (t *ThreadContext) ScheduleSend(sock TSocket) {
	if t.gate.Schedule(sock) {
		metrics.Add(metrics.ScheduleSendWakeups, 1)
		t.pipe.Write(wakeup.ActionsPending)
	} else {
		metrics.Add(metrics.ScheduleSendCoalesced, 1)
	}
}

// RegisterAccept adds a listening or pass-fd socket to the loop.
func (t *ThreadContext) RegisterAccept(a *AcceptSocket) error {
	t.mapMu.Lock()
	t.sockets[a.fd] = mapEntry{accept: a}
	t.mapMu.Unlock()

	var ev unix.EpollEvent
	ev.Events = acceptFlags
	ev.Fd = int32(a.fd)
	if res := sys.EpollCtl(t.epfd, unix.EPOLL_CTL_ADD, a.fd, &ev); !res.Ok() {
		return errors.Wrap(res.Errno(), "register accept socket")
	}
	return nil
}

// RegisterClient adds a connected socket to the loop and calls its Start hook.
func (t *ThreadContext) RegisterClient(s TSocket, dataMayBeAvailable bool) error {
	b := s.Base()
	t.mapMu.Lock()
	t.sockets[b.FD()] = mapEntry{client: s}
	t.mapMu.Unlock()

	b.Lock()
	b.SetPending(EventRead)
	b.SetEventControlPending(false)
	b.Unlock()

	var ev unix.EpollEvent
	ev.Events = baseClientFlags
	ev.Fd = int32(b.FD())
	if res := sys.EpollCtl(t.epfd, unix.EPOLL_CTL_ADD, b.FD(), &ev); !res.Ok() {
		t.mapMu.Lock()
		delete(t.sockets, b.FD())
		t.mapMu.Unlock()
		return errors.Wrap(res.Errno(), "register client socket")
	}
	return s.Start(dataMayBeAvailable)
}

// RemoveSocket drops fd from the loop's map and epoll instance. Per spec.md
// §6 it is callable from any goroutine, not just the loop's own: a TSocket
// closing itself from an application callback calls back into this before
// closing its fd, so that an epoll event carrying a stale fd can never be
// misattributed after an intervening accept reuses that fd number. Errors
// from epoll_ctl are swallowed: by the time a socket is torn down the fd may
// already be gone from epoll (e.g. the kernel drops it on close(2)
// automatically).
//
// isLastSocket reports whether the registration map is now empty. Since
// accept sockets stay registered until closeAccept runs, this can only be
// true once both CloseAccept has removed every accept socket and every
// client has drained, the condition CloseAccept's conditional StopThread
// (spec.md §4.7) waits for, which this method triggers directly.
func (t *ThreadContext) RemoveSocket(fd int) (isLastSocket bool) {
	t.mapMu.Lock()
	delete(t.sockets, fd)
	isLastSocket = len(t.sockets) == 0
	t.mapMu.Unlock()
	sys.EpollCtl(t.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if isLastSocket {
		t.pipe.Write(wakeup.StopThread)
	}
	return isLastSocket
}

// Run drives the event loop until ctx is cancelled or StopThread is
// requested. Cancelling ctx requests CloseAccept, then StopSockets, then
// StopThread, draining in that order per spec.md §4.8.
func (t *ThreadContext) Run(ctx context.Context) error {
	// Pin this goroutine to its OS thread for the lifetime of the loop:
	// sched_setaffinity and per-thread epoll fds only behave as designed if
	// the goroutine never migrates to another thread mid-run.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer t.closeOnce.Do(func() { close(t.closed) })

	if t.cfg.CPUID != nil {
		if res := sys.SetAffinity(unix.Gettid(), *t.cfg.CPUID); !res.Ok() {
			log.Warnf("txthread: sched_setaffinity cpu=%d: %v", *t.cfg.CPUID, res.Errno())
		}
	}

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				t.pipe.Write(wakeup.CloseAccept)
				t.pipe.Write(wakeup.StopSockets)
			case <-t.closed:
			}
		}()
	}

	var eagainStreak int
	var stopping bool

	for !stopping {
		timeout := -1
		n := sys.EpollWait(t.epfd, t.events, timeout)
		metrics.Add(metrics.EpollWait, 1)
		if !n.Ok() {
			if n.Errno() == unix.EINTR {
				continue
			}
			return errors.Wrap(n.Errno(), "epoll_wait")
		}
		metrics.Add(metrics.EpollEvents, uint64(n.Int()))

		var pipeReadable bool
		var accepts []*AcceptSocket
		var zerocopy []TSocket
		var writable []TSocket
		var readable []TSocket

		for i := 0; i < n.Int(); i++ {
			ev := t.events[i]
			fd := int(ev.Fd)
			if fd == t.pipe.ReadFD {
				pipeReadable = true
				continue
			}

			t.mapMu.Lock()
			entry, ok := t.sockets[fd]
			t.mapMu.Unlock()
			if !ok {
				continue
			}

			if entry.accept != nil {
				accepts = append(accepts, entry.accept)
				continue
			}

			sock := entry.client
			b := sock.Base()
			b.Lock()
			want := b.Pending()

			addedRead, addedWrite := false, false
			if ev.Events&unix.EPOLLERR != 0 {
				if want&EventErr != 0 {
					// A zero-copy send is in flight and this socket asked to
					// be told about its completion (§4.4): route through the
					// completion drain, not the ordinary read/write path.
					zerocopy = append(zerocopy, sock)
				} else {
					// A genuine socket error with no zero-copy completion
					// expected. Promote it to both halves so an
					// error-conditioned socket drains whichever of
					// read/write the application is waiting on, instead of
					// the error silently going nowhere.
					readable = append(readable, sock)
					writable = append(writable, sock)
					addedRead, addedWrite = true, true
				}
			}
			if !addedRead && ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
				readable = append(readable, sock)
				addedRead = true
			}
			if !addedWrite && ev.Events&unix.EPOLLOUT != 0 && want&EventWrite != 0 {
				writable = append(writable, sock)
				addedWrite = true
			}
			b.SetEventControlPending(true)
			b.Unlock()
		}

		for _, s := range zerocopy {
			t.handleZeroCopyCompletion(s)
		}
		for _, a := range accepts {
			t.handleAccept(a)
		}
		if !t.cfg.AioSend {
			for _, s := range writable {
				t.handleWritable(s, false)
			}
		}
		if t.cfg.AioReceive {
			if err := t.handleAioReceive(readable, &eagainStreak); err != nil {
				return err
			}
		} else {
			for _, s := range readable {
				t.handleReadable(s)
			}
		}
		for _, s := range append(append(append([]TSocket{}, writable...), readable...), zerocopy...) {
			t.rearm(s)
		}

		if pipeReadable {
			for {
				cmd, ok := t.pipe.ReadOne()
				if !ok {
					break
				}
				switch cmd {
				case wakeup.CloseAccept:
					// Stop accepting new connections; existing clients drain
					// naturally through their own Close/Abort path, and
					// RemoveSocket writes StopThread itself once the last one
					// departs (spec.md §4.7). If none are connected right
					// now, closeAccept removing the last accept socket is
					// itself what makes the map empty, so StopThread still
					// follows immediately.
					t.closeAccept()
				case wakeup.StopSockets:
					t.stopSockets()
				case wakeup.StopThread:
					stopping = true
				case wakeup.ActionsPending:
					// handled below by draining the gate every iteration.
				}
			}
		}

		// ScheduleSend is the primary cross-thread send path; AioSend batches
		// this scheduled-send queue, not the EPOLLOUT-readiness classification
		// above (spec.md §4.6).
		scheduled := t.gate.SwapAndTake()
		if t.cfg.AioSend {
			if err := t.handleAioSend(scheduled); err != nil {
				return err
			}
		} else {
			for _, s := range scheduled {
				t.handleWritable(s, true)
			}
		}
		for _, s := range scheduled {
			t.rearm(s)
		}
		if t.gate.FinishTurn() {
			// Work was scheduled while this turn was being processed and the
			// gate never saw a Blocked->NotBlocked transition to wake on, so
			// self-wake instead of parking in epoll_wait with that work
			// stranded until some unrelated fd becomes ready.
			t.pipe.Write(wakeup.ActionsPending)
		}
	}

	t.accept.Close()
	if t.dispatch != nil {
		t.dispatch.Release()
	}
	t.closeFDs()
	return nil
}

// rearm re-registers s with epoll after EPOLLONESHOT disarmed it, requesting
// only the intersection of its current pending mask with EPOLLOUT on top of
// the always-on read flags (spec.md §4.2): a socket with nothing queued to
// send is armed for read only, so it never busy-spins epoll_wait on a
// permanently-ready write side.
func (t *ThreadContext) rearm(s TSocket) {
	b := s.Base()
	b.Lock()
	if !b.EventControlPending() {
		b.Unlock()
		return
	}
	events := uint32(baseClientFlags)
	if b.Pending()&EventWrite != 0 {
		events |= unix.EPOLLOUT
	}
	var ev unix.EpollEvent
	ev.Events = events
	ev.Fd = int32(b.FD())
	b.SetEventControlPending(false)
	b.Unlock()
	sys.EpollCtl(t.epfd, unix.EPOLL_CTL_MOD, b.FD(), &ev)
}

func (t *ThreadContext) handleReadable(s TSocket) {
	handles := make([]mempool.Handle, 0, 2)
	res := s.Receive(handles)
	metrics.Add(metrics.TCPReadvCalls, 1)
	if !res.Ok() && res.Errno() != unix.EAGAIN {
		metrics.Add(metrics.TCPReadvFails, 1)
	}
	if s.Base().TakeFirstCallDispatch() {
		t.dispatchCallback(func() { s.OnReceiveFromSocket(res) })
		return
	}
	s.OnReceiveFromSocket(res)
}

func (t *ThreadContext) handleWritable(s TSocket, fromGate bool) {
	if s.Base().TakeFirstCallDispatch() {
		t.dispatchCallback(func() { t.continueWritable(s, fromGate) })
		return
	}
	t.continueWritable(s, fromGate)
}

func (t *ThreadContext) continueWritable(s TSocket, fromGate bool) {
	s.OnWritable(fromGate)
	hasData, err := s.GetReadResult()
	if err != nil {
		s.CompleteOutput(err)
		return
	}
	if !hasData {
		t.setWantWrite(s, false)
		return
	}
	n := s.CalcIOVectorLengthForSend()
	if n == 0 {
		t.setWantWrite(s, false)
		return
	}
	iovs := make([]unix.Iovec, n)
	bytes := s.FillSendIOVector(iovs)

	b := s.Base()
	useZeroCopy := b.ZeroCopyThreshold() != NoZeroCopy && bytes >= b.ZeroCopyThreshold()

	var res sys.PosixResult
	if useZeroCopy {
		res = sys.SendmsgIovec(b.FD(), iovs, unix.MSG_ZEROCOPY)
		metrics.Add(metrics.ZeroCopySends, 1)
		if res.Ok() {
			b.Lock()
			b.AddZeroCopyInFlight(1)
			b.SetPending(b.Pending() | EventErr)
			b.Unlock()
		}
	} else {
		res = sys.Writev(b.FD(), iovs)
	}
	metrics.Add(metrics.TCPWritevCalls, 1)
	if !res.Ok() && res.Errno() != unix.EAGAIN {
		metrics.Add(metrics.TCPWritevFails, 1)
	}
	s.HandleSendResult(int64(res), true, useZeroCopy, useZeroCopy && res.Ok())

	stillHasData, err := s.GetReadResult()
	if err != nil {
		s.CompleteOutput(err)
		return
	}
	t.setWantWrite(s, stillHasData)
}

// setWantWrite toggles whether s's pending mask requests EPOLLOUT on its next
// rearm, and flags a re-arm as owed. Clearing it once output drains is what
// keeps a quiescent socket from being handed a permanently-ready write side
// every epoll_wait (spec.md §4.2).
func (t *ThreadContext) setWantWrite(s TSocket, want bool) {
	b := s.Base()
	b.Lock()
	if want {
		b.SetPending(b.Pending() | EventWrite)
	} else {
		b.SetPending(b.Pending() &^ EventWrite)
	}
	b.SetEventControlPending(true)
	b.Unlock()
}

func (t *ThreadContext) closeAccept() {
	t.mapMu.Lock()
	var accepts []int
	for fd, e := range t.sockets {
		if e.accept != nil {
			accepts = append(accepts, fd)
		}
	}
	t.mapMu.Unlock()
	for _, fd := range accepts {
		t.RemoveSocket(fd)
		sys.Close(fd)
	}
	t.accept.Close()
}

// stopSockets force-closes every remaining client socket. Removal from the
// map happens inside each socket's own Close (it calls back into
// RemoveSocket before touching its fd), so ordering here only has to get the
// Close calls issued; it must not close fds itself first (spec.md §3).
func (t *ThreadContext) stopSockets() {
	t.mapMu.Lock()
	var clients []TSocket
	for _, e := range t.sockets {
		if e.client != nil {
			clients = append(clients, e.client)
		}
	}
	t.mapMu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

// Stop requests an orderly shutdown: it closes the accept socket(s) and does
// not close client sockets; the thread stops once the last client has
// removed itself (see RemoveSocket).
func (t *ThreadContext) Stop() {
	t.pipe.Write(wakeup.CloseAccept)
}

// Wait blocks until Run has returned.
func (t *ThreadContext) Wait() { <-t.closed }

// dispatchCallback runs fn inline, or on the dispatch pool when configured
// for Dispatch scheduling, so a slow application handler cannot stall the
// loop goroutine.
func (t *ThreadContext) dispatchCallback(fn func()) {
	if t.dispatch == nil {
		fn()
		return
	}
	if err := t.dispatch.Submit(fn); err != nil {
		// Pool exhausted or closed: fall back to running inline rather than
		// dropping the callback.
		fn()
	}
}

