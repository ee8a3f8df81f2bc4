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

import "golang.org/x/sys/unix"

// recvFD reads one connection fd passed over unixFD via SCM_RIGHTS,
// non-blocking. ok is false on EAGAIN or any other receive failure.
func recvFD(unixFD int) (fd int, ok bool) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := unix.Recvmsg(unixFD, buf, oob, unix.MSG_DONTWAIT)
	if err != nil {
		return -1, false
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(cmsgs) == 0 {
		return -1, false
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) == 0 {
		return -1, false
	}
	return fds[0], true
}
