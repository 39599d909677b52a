// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"

	"code.hybscloud.com/ioruntime"
	"code.hybscloud.com/ioruntime/internal/reactor"
)

// runExec starts program with args, drives it to completion through
// Subprocess.Communicate, and reports its stdout, stderr, and exit code,
// exercising the subprocess machinery the way a shell pipeline would.
func runExec(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("exec: need <program> [args...]")
	}
	program, rest := args[0], args[1:]

	r, err := reactor.New()
	if err != nil {
		return err
	}
	defer r.Close()

	runErr := make(chan error, 1)
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() { runErr <- r.Run(runCtx) }()

	sp, err := ioruntime.NewSubprocess(r, program, rest...)
	if err != nil {
		return err
	}

	stdout, stderr, code, err := sp.Communicate(ctx, nil)
	if err != nil {
		return err
	}

	if len(stdout) > 0 {
		os.Stdout.Write(stdout)
	}
	if len(stderr) > 0 {
		os.Stderr.Write(stderr)
	}
	fmt.Println("ioruntimectl: exit code", code)
	return nil
}
