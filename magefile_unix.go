//go:build mage && !windows
// +build mage,!windows

package main

import (
	"syscall"
)

// every relay allocation holds its own socket, the tests open a few hundred
const minOpenFiles = 10000

func setULimit() error {
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return err
	}
	if rLimit.Cur >= minOpenFiles {
		return nil
	}
	rLimit.Cur = minOpenFiles
	if rLimit.Max < rLimit.Cur {
		rLimit.Max = rLimit.Cur
	}
	return syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
}
