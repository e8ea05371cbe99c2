//go:build linux

package host

import "syscall"

// setpgidAttr puts the child in its own process group so Stop can signal
// the whole tree via Kill(-pgid, ...) rather than just the leader.
func setpgidAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
