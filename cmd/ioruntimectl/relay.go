// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"code.hybscloud.com/ioruntime"
	"code.hybscloud.com/ioruntime/internal/reactor"
)

// runRelay dials network/addr and bridges it to the local process's
// stdin/stdout as a raw byte stream in both directions: stdin is copied to
// the connection as it arrives, and bytes read off the connection are
// copied straight to stdout via streamRawTo. Useful for piping a local
// tool's input/output through the reactor without writing a one-off client
// for it.
func runRelay(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("relay: need <tcp|unix> <addr>")
	}
	network, addr := args[0], args[1]

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

	stdinErr := make(chan error, 1)
	go func() {
		_, cerr := io.Copy(writerFunc(proto.Write), os.Stdin)
		stdinErr <- cerr
	}()

	if err := streamRawTo(ctx, &proto.ReadWriteProtocolBase, os.Stdout); err != nil {
		return err
	}
	return nil
}
