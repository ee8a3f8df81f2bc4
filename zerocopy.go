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
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/txthread/txthread/metrics"
)

// soEEOriginZerocopy and soEECodeZerocopyCopied are linux/errqueue.h
// constants not exported by golang.org/x/sys/unix.
const (
	soEEOriginZerocopy     = 5
	soEECodeZerocopyCopied = 1
)

// handleZeroCopyCompletion drains the MSG_ZEROCOPY completion notification
// queue for s, delivered via EPOLLERR per spec.md §4.4: one
// sock_extended_err control message per batch of completed sends, reporting
// whether the kernel transmitted the buffer in place or fell back to
// copying it.
func (t *ThreadContext) handleZeroCopyCompletion(s TSocket) {
	b := s.Base()
	buf := make([]byte, 0)
	oob := make([]byte, 256)

	for {
		_, oobn, _, _, err := unix.Recvmsg(b.FD(), buf, oob, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
		if err != nil {
			if err != unix.EAGAIN {
				// EPOLLERR fired promising a completion; anything but "none
				// pending yet" here means the errqueue protocol broke down
				// in a way a retry cannot fix.
				t.fatal(errors.Wrap(err, "recvmsg(MSG_ERRQUEUE)"))
			}
			break
		}
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			break
		}
		copiedByKernel := false
		for _, c := range cmsgs {
			if len(c.Data) < 16 {
				continue
			}
			origin := c.Data[8]
			code := c.Data[9]
			if origin != soEEOriginZerocopy {
				continue
			}
			if code == soEECodeZerocopyCopied {
				metrics.Add(metrics.ZeroCopyCopied, 1)
				copiedByKernel = true
			} else {
				metrics.Add(metrics.ZeroCopySuccess, 1)
			}
		}
		if copiedByKernel {
			// The kernel fell back to copying this send instead of holding
			// the buffer pinned, so MSG_ZEROCOPY bought nothing for it.
			// Spec.md §4.4 has this demote the socket to NoZeroCopy
			// permanently rather than keep paying the errqueue bookkeeping
			// cost for sends that will never actually go zero-copy.
			b.SetZeroCopyThreshold(NoZeroCopy)
		}
		b.Lock()
		b.AddZeroCopyInFlight(-1)
		b.Unlock()
		s.OnZeroCopyCompleted()
	}

	b.Lock()
	if b.ZeroCopyInFlight() <= 0 {
		b.SetPending(b.Pending() &^ EventErr)
	}
	b.SetEventControlPending(true)
	b.Unlock()
}
