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
	"errors"
	"net"

	"github.com/kavu/go_reuseport"
	"golang.org/x/sys/unix"

	"github.com/txthread/txthread/internal/reuseport"
)

// Listen builds a ThreadContext bound to cfg.ListenAddress and ready to
// accept connections, composing accept-socket construction with
// ThreadContext construction the way tnet's package-level Listen helper
// composes a listener with a Service.
//
// It tries the raw SO_REUSEPORT socket path first, since that is the only
// way to also set SO_INCOMING_CPU and TCP_DEFER_ACCEPT before listen(2)
// runs. Whenever the raw path returns an error, whatever cfg asks for, it
// falls back to go_reuseport.NewReusablePortListener, which applies none of
// the ListenOptions.
func Listen(cfg Config) (*ThreadContext, error) {
	t, err := New(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.AcceptThread != nil {
		a := NewPassFdSocket(cfg.AcceptThread.FD, zeroCopyThresholdFor(cfg), cfg.DeferSend)
		if err := t.RegisterAccept(a); err != nil {
			t.closeFDs()
			return nil, err
		}
		return t, nil
	}

	opts := reuseport.ListenOptions{
		Backlog:     ListenBacklog,
		DeferAccept: cfg.DeferAccept,
		ZeroCopy:    cfg.ZeroCopy,
	}
	if cfg.ReceiveOnIncomingCpu && cfg.CPUID != nil {
		opts.IncomingCPU = cfg.CPUID
	}

	l, err := reuseport.NewReusablePortListener("tcp", cfg.ListenAddress, opts)
	if err != nil {
		l, err = go_reuseport.NewReusablePortListener("tcp", cfg.ListenAddress)
		if err != nil {
			t.closeFDs()
			return nil, classifyBindError(err)
		}
	}

	fl, ok := l.(*net.TCPListener)
	if !ok {
		t.closeFDs()
		return nil, ErrNotSupported
	}
	file, err := fl.File()
	if err != nil {
		t.closeFDs()
		return nil, err
	}
	fd := int(file.Fd())

	a := NewAcceptSocket(fd, zeroCopyThresholdFor(cfg), cfg.DeferSend)
	if err := t.RegisterAccept(a); err != nil {
		file.Close()
		t.closeFDs()
		return nil, err
	}
	return t, nil
}

func zeroCopyThresholdFor(cfg Config) int {
	if !cfg.ZeroCopy {
		return NoZeroCopy
	}
	if cfg.ZeroCopyThreshold == 0 {
		return NoZeroCopy
	}
	return cfg.ZeroCopyThreshold
}

func classifyBindError(err error) error {
	switch {
	case errors.Is(err, unix.EADDRINUSE):
		return ErrAddressInUse
	case errors.Is(err, unix.EADDRNOTAVAIL):
		return ErrAddressNotAvailable
	default:
		return err
	}
}
