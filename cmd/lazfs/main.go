// lazfs mounts the LazFS pass-through file system.
//
// Usage:
//
//	lazfs [-flags] BACKING_ROOT MOUNT_POINT
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	"github.com/lazfs/lazfs/internal/fuse"
	"github.com/lazfs/lazfs/internal/oninterrupt"
)

// checkArgs enforces the command line shape: at least the two positional
// arguments, and neither the backing root nor the mountpoint starting
// with a hyphen (anything that does is a flag for the transport).
func checkArgs(args []string) error {
	if len(args) < 2 {
		return xerrors.New("usage: lazfs [-flags] BACKING_ROOT MOUNT_POINT")
	}
	last, secondToLast := args[len(args)-1], args[len(args)-2]
	if len(last) == 0 || last[0] == '-' || len(secondToLast) == 0 || secondToLast[0] == '-' {
		return xerrors.New("usage: lazfs [-flags] BACKING_ROOT MOUNT_POINT")
	}
	return nil
}

// rootRefused reports whether the process runs with root privileges.
// Mounting a user-writable pass-through file system as root opens
// unacceptable holes, so it is refused outright.
func rootRefused(uid, euid int) bool {
	return uid == 0 || euid == 0
}

func funcmain() int {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		// journald/pipes add their own timestamps
		log.SetFlags(0)
	}

	if rootRefused(os.Getuid(), os.Geteuid()) {
		fmt.Fprintln(os.Stderr, "lazfs: refusing to run as root")
		return 1
	}
	args := os.Args[1:]
	if err := checkArgs(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, canc := context.WithCancel(context.Background())
	defer canc()

	join, err := fuse.Mount(ctx, args)
	if err != nil {
		log.Printf("mount: %v", err)
		return 1
	}
	var joinErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		joinErr = join(ctx)
	}()
	// On SIGINT/SIGTERM, cancel the serve loop and wait for join to
	// finish its deferred unmount before the process exits.
	oninterrupt.Register(func() {
		canc()
		<-done
	})
	<-done
	if joinErr != nil && joinErr != context.Canceled {
		log.Printf("join: %v", joinErr)
		return 1
	}
	return 0
}

func main() {
	os.Exit(funcmain())
}
