//go:build unix

package main

import "syscall"

// detachedProcAttr starts the child in its own session so it survives the
// terminal that ran `dcw up`.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
