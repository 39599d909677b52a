// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command ioruntimectl is a small diagnostic CLI exercising the ioruntime
// core end to end: a reactor-driven stream transport carries
// newline-delimited messages (read via ReadProtocolBase.ReadUntil) between
// a "serve" and a "dial" side, "relay" bridges a dialed connection's raw
// byte stream to the local process's stdin/stdout, and a fourth subcommand
// drives a child process through ioruntime.Subprocess.Communicate.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "dial":
		err = runDial(ctx, os.Args[2:])
	case "relay":
		err = runRelay(ctx, os.Args[2:])
	case "exec":
		err = runExec(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "ioruntimectl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  ioruntimectl serve <tcp|unix> <addr>
  ioruntimectl dial  <tcp|unix> <addr> <message...>
  ioruntimectl relay <tcp|unix> <addr>
  ioruntimectl exec  <program> [args...]`)
}
