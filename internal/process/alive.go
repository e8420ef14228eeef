// Package process answers liveness questions about local operating system
// processes. Ownership records and instance records carry a pid and hostname;
// a pid can only be probed when it belongs to this host.
package process

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// IsAlive reports whether a process with the given pid exists on this host.
// Sending signal 0 checks existence without affecting the process; EPERM
// means the process exists but belongs to another user.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}

// Hostname returns the local hostname, or "unknown" when it cannot be read.
func Hostname() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "unknown"
	}
	return hostname
}

// Prober decides whether the owner of a record is still running. Records
// from another host cannot be probed and are reported alive.
type Prober struct {
	hostname string
	alive    func(pid int) bool
}

// NewProber returns a Prober for the local host using IsAlive.
func NewProber() *Prober {
	return &Prober{hostname: Hostname(), alive: IsAlive}
}

// NewProberWith returns a Prober with an explicit hostname and liveness
// function. Tests use it to simulate dead owners.
func NewProberWith(hostname string, alive func(pid int) bool) *Prober {
	return &Prober{hostname: hostname, alive: alive}
}

// Hostname returns the host the prober considers local.
func (p *Prober) Hostname() string {
	return p.hostname
}

// OwnerAlive reports whether the process pid on host is alive. An empty host
// is treated as local.
func (p *Prober) OwnerAlive(host string, pid int) bool {
	if host != "" && host != p.hostname {
		return true
	}
	return p.alive(pid)
}
