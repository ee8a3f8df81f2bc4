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
	"unsafe"

	"github.com/pkg/errors"

	"github.com/txthread/txthread/internal/aio"
	"github.com/txthread/txthread/metrics"
)

// handleAioSend batches the sockets drained from the scheduling gate this
// turn into one io_submit call using IOCB_CMD_PWRITEV, the send-side
// counterpart of handleAioReceive (spec.md §4.6). ScheduleSend is the primary
// cross-thread send path, so this batches the scheduled-send queue rather
// than EPOLLOUT-readiness classified sockets; sockets with DeferSend set
// coalesce multiple OnWritable-triggered fills into one submission this way
// even when each individual write would otherwise have been small.
func (t *ThreadContext) handleAioSend(sockets []TSocket) error {
	if len(sockets) == 0 || t.aioSend == nil {
		return nil
	}
	ctx := t.aioSend

	type slot struct {
		socket TSocket
		bytes  int
	}
	n := 0
	iovOff := 0
	slots := make([]slot, 0, len(sockets))

	for _, s := range sockets {
		s.OnWritable(true)
		hasData, err := s.GetReadResult()
		if err != nil {
			s.CompleteOutput(err)
			continue
		}
		if !hasData {
			continue
		}
		need := s.CalcIOVectorLengthForSend()
		if need <= 0 || n >= len(ctx.Iocbs) || iovOff+need > len(ctx.IOVecs) {
			continue
		}
		bytes := s.FillSendIOVector(ctx.IOVecs[iovOff : iovOff+need])

		ctx.Iocbs[n] = aio.IOCB{
			AioLioOpcode: uint16(aio.CmdPwritev),
			AioFildes:    uint32(s.Base().FD()),
			AioBuf:       uint64(uintptr(unsafe.Pointer(&ctx.IOVecs[iovOff]))),
			AioNbytes:    uint64(need),
		}

		slots = append(slots, slot{socket: s, bytes: bytes})
		iovOff += need
		n++
	}
	if n == 0 {
		return nil
	}

	res := ctx.Submit(n)
	metrics.Add(metrics.AIOSubmitCalls, 1)
	if !res.Ok() {
		metrics.Add(metrics.AIOSubmitFails, 1)
		return errors.Wrap(res.Errno(), "io_submit")
	}
	submitted := res.Int()

	evres := ctx.GetEvents(submitted, submitted)
	metrics.Add(metrics.AIOGetEventsCalls, 1)
	if !evres.Ok() {
		return errors.Wrap(evres.Errno(), "io_getevents")
	}

	for i := 0; i < evres.Int() && i < len(slots); i++ {
		ev := ctx.Events[i]
		slots[i].socket.HandleSendResult(ev.Res, true, false, false)
	}
	return nil
}
