// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"net"

	"code.hybscloud.com/ioruntime"
	"code.hybscloud.com/ioruntime/internal/reactor"
)

var newline = []byte("\n")

// runServe listens on network/addr and echoes every newline-delimited
// message it reads back to the sender, each message read via
// ReadProtocolBase.ReadUntil's own boundary scan rather than any external
// framing layer.
func runServe(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("serve: need <tcp|unix> <addr>")
	}
	network, addr := args[0], args[1]

	ln, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	r, err := reactor.New()
	if err != nil {
		return err
	}
	defer r.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	fmt.Println("ioruntimectl: listening on", ln.Addr())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, aerr := ln.Accept()
		if aerr != nil {
			select {
			case <-ctx.Done():
				return <-runErr
			default:
				return aerr
			}
		}
		go handleConn(ctx, r, conn)
	}
}

func handleConn(ctx context.Context, r *reactor.Reactor, conn net.Conn) {
	proto := newConnProtocol()

	t, err := ioruntime.NewConnStreamTransport(r, conn, proto, nil)
	if err != nil {
		fmt.Println("ioruntimectl: accept adopt failed:", err)
		return
	}
	defer t.Close()

	select {
	case <-proto.ready:
	case <-ctx.Done():
		return
	}

	for {
		stream, err := proto.ReadUntil(newline)
		if err != nil {
			return
		}
		line, err := stream.Await(ctx)
		if err != nil {
			return
		}
		echo := make([]byte, 0, len(line)+1)
		echo = append(echo, line...)
		echo = append(echo, '\n')
		if _, werr := proto.Write(echo); werr != nil {
			return
		}
		if derr := proto.Drain(ctx); derr != nil {
			return
		}
	}
}
