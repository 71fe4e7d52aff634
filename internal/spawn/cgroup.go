package spawn

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"coreinit/pkg/logging"
)

// EnsureCGroup creates path (and parents) under the cgroup hierarchy root if
// it does not already exist (spec §4.H step 1). Idempotent.
func EnsureCGroup(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("cgroup: mkdir %s: %w", path, err)
	}
	return nil
}

func attachToCGroup(path string, pid int) error {
	f, err := os.OpenFile(filepath.Join(path, "cgroup.procs"), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\n", pid)
	return err
}

// Pids returns every pid currently attached to the cgroup at path, reading
// cgroup.procs (present in both v1 and v2 layouts).
func Pids(path string) ([]int, error) {
	f, err := os.Open(filepath.Join(path, "cgroup.procs"))
	if err != nil {
		return nil, fmt.Errorf("cgroup: read procs %s: %w", path, err)
	}
	defer f.Close()

	var pids []int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		n, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, n)
	}
	return pids, sc.Err()
}

// IsEmpty reports whether the cgroup at path has no live processes, via
// cgroup.events (v2 "populated 0") when present, falling back to scanning
// cgroup.procs (v1 and v2-without-events) per spec §4.H.
func IsEmpty(path string) (bool, error) {
	if data, err := os.ReadFile(filepath.Join(path, "cgroup.events")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			fields := strings.Fields(line)
			if len(fields) == 2 && fields[0] == "populated" {
				return fields[1] == "0", nil
			}
		}
	}
	pids, err := Pids(path)
	if err != nil {
		return false, err
	}
	return len(pids) == 0, nil
}

// KillRecursive signals every pid in the cgroup (spec §4.H "kill-recursive").
// ESRCH (already reaped) is benign per spec §7 "Kill failure"; other errors
// from individual pids are collected but do not stop the sweep. If
// followSigcont is set, SIGCONT is sent to every pid after the primary
// signal, to wake processes stopped by job control so they can act on
// TERM/KILL.
func KillRecursive(path string, sig syscall.Signal, ignoreSelf bool, followSigcont bool) error {
	self := os.Getpid()
	pids, err := Pids(path)
	if err != nil {
		return err
	}

	var lastErr error
	for _, pid := range pids {
		if ignoreSelf && pid == self {
			continue
		}
		if err := syscall.Kill(pid, sig); err != nil {
			if err == syscall.ESRCH {
				continue // benign: already reaped
			}
			logging.Warn("Spawn", "kill(%d, %v) failed: %v", pid, sig, err)
			lastErr = err
		}
	}

	if followSigcont {
		for _, pid := range pids {
			if ignoreSelf && pid == self {
				continue
			}
			_ = syscall.Kill(pid, syscall.SIGCONT)
		}
	}
	return lastErr
}

// WaitEmpty polls IsEmpty until the cgroup drains or the deadline passes.
func WaitEmpty(path string, deadline time.Time, pollInterval time.Duration) bool {
	for {
		empty, err := IsEmpty(path)
		if err == nil && empty {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}
