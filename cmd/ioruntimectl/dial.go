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

// runDial connects to network/addr, sends each remaining argument as one
// newline-delimited message, and prints back whatever the peer echoes for
// it, in order, reading each reply with ReadProtocolBase.ReadUntil.
func runDial(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("dial: need <tcp|unix> <addr> <message...>")
	}
	network, addr, messages := args[0], args[1], args[2:]

	conn, err := net.Dial(network, addr)
	if err != nil {
		return err
	}

	r, err := reactor.New()
	if err != nil {
		return err
	}
	defer r.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx) }()

	proto := newConnProtocol()
	t, err := ioruntime.NewConnStreamTransport(r, conn, proto, nil)
	if err != nil {
		return err
	}
	defer t.Close()

	select {
	case <-proto.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, m := range messages {
		if _, werr := proto.Write(append([]byte(m), '\n')); werr != nil {
			return werr
		}
	}
	if derr := proto.Drain(ctx); derr != nil {
		return derr
	}

	for range messages {
		stream, rerr := proto.ReadUntil(newline)
		if rerr != nil {
			return rerr
		}
		line, aerr := stream.Await(ctx)
		if aerr != nil {
			return aerr
		}
		fmt.Println(string(line))
	}
	return nil
}
