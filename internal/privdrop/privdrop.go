//go:build linux

// Package privdrop implements startup privilege handling: name->id
// lookup followed by setgid/setuid privilege drop, and
// daemonization.
package privdrop

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// Drop resolves user and group by name and calls setgid then setuid,
// in that order; both must succeed or the process aborts. When
// neither name is given Drop is a no-op.
func Drop(userName, groupName string) error {
	if userName == "" && groupName == "" {
		return nil
	}
	if userName == "" || groupName == "" {
		return fmt.Errorf("privdrop: both user and group must be set to drop privileges")
	}

	u, err := user.Lookup(userName)
	if err != nil {
		return fmt.Errorf("privdrop: unknown user %q: %w", userName, err)
	}
	g, err := user.LookupGroup(groupName)
	if err != nil {
		return fmt.Errorf("privdrop: unknown group %q: %w", groupName, err)
	}

	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("privdrop: malformed gid %q: %w", g.Gid, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("privdrop: malformed uid %q: %w", u.Uid, err)
	}

	// setgid before setuid: once uid is dropped the process may no
	// longer be permitted to change its gid.
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("privdrop: setgid(%d): %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("privdrop: setuid(%d): %w", uid, err)
	}
	return nil
}

// daemonizedEnv marks a re-exec'd child so Daemonize doesn't loop.
const daemonizedEnv = "DNSPROXY_DAEMONIZED"

// Daemonize detaches the process into the background. A Go process
// cannot safely fork (goroutine scheduler state does not survive fork
// in the child), so instead the same binary is re-exec'd with Setsid
// set in SysProcAttr and detached stdio, and the parent exits.
//
// Daemonize returns (true, nil) in the parent, which should exit
// immediately, and (false, nil) in the already-detached child, which
// should continue starting up.
func Daemonize() (parent bool, err error) {
	if os.Getenv(daemonizedEnv) != "" {
		return false, nil
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return false, fmt.Errorf("privdrop: open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizedEnv+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("privdrop: re-exec for daemonize: %w", err)
	}
	return true, nil
}
