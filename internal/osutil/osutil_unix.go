//go:build !windows

package osutil

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

func daemonize() (parent bool, err error) {
	if os.Getenv(envDaemonized) != "" {
		return false, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("getting executable: %w", err)
	}

	// #nosec G204 -- Only the executable of the current process is started.
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), envDaemonized+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	// Nil standard streams are connected to the null device.
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil

	err = cmd.Start()
	if err != nil {
		return false, fmt.Errorf("starting detached process: %w", err)
	}

	err = cmd.Process.Release()
	if err != nil {
		return true, fmt.Errorf("releasing detached process: %w", err)
	}

	return true, nil
}
