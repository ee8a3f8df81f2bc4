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

package txthread

import "errors"

// Errors the public API returns. Loop-internal syscall failures are wrapped
// with github.com/pkg/errors at the point they cross a public boundary
// (Listen, ThreadContext.Run); callers comparing against these sentinels
// should use errors.Is.
var (
	// ErrAddressInUse is returned by Listen when bind(2) fails with EADDRINUSE.
	ErrAddressInUse = errors.New("txthread: address already in use")
	// ErrAddressNotAvailable is returned by Listen when bind(2) fails with EADDRNOTAVAIL.
	ErrAddressNotAvailable = errors.New("txthread: address not available")
	// ErrClosed is returned by operations attempted after Close/Run has returned.
	ErrClosed = errors.New("txthread: thread context closed")
	// ErrNotSupported is returned when the running kernel lacks a feature this
	// configuration depends on (e.g. MSG_ZEROCOPY, io_setup).
	ErrNotSupported = errors.New("txthread: operation not supported by kernel")
	// ErrAborted marks a socket torn down by Abort rather than a clean Close.
	ErrAborted = errors.New("txthread: socket aborted")
)
