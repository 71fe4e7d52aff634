// Package spawn implements the process spawn / cgroup wrapper from spec
// §4.H: fork+exec with uid/gid/working-directory setup, a NOFILE rlimit
// applied right after start, cgroup placement, and classified fork/exec
// errors. The umask and root directory carried in Credentials are not
// applied to the child.
//
// Process attributes (Setsid, Credential, Pdeathsig) are set through the
// standard library's syscall.SysProcAttr, and golang.org/x/sys/unix supplies
// the rlimit calls, following the same "os/exec plus a raw SysProcAttr"
// shape the teacher uses for exec.Command elsewhere in the codebase.
package spawn

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"coreinit/pkg/logging"
)

// Flags selects spawn-time behavior (spec §4.H step 3).
type Flags uint8

const (
	// FlagControl marks the child as a control process (Condition/Pre/Post/
	// Reload/Stop helper) rather than the unit's main process.
	FlagControl Flags = 1 << iota
	// FlagPassFDs duplicates and renumbers the collected fds into the child
	// starting at fd 3, for socket-activation hand-off.
	FlagPassFDs
)

// ErrKind classifies a spawn failure (spec §4.H step 5).
type ErrKind int

const (
	ErrResources ErrKind = iota
	ErrInvalid
)

// Error wraps a spawn failure with its classification.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func classify(err error) *Error {
	if errno, ok := err.(syscall.Errno); ok {
		switch errno {
		case syscall.EAGAIN, syscall.ENOMEM, syscall.EMFILE, syscall.ENFILE, syscall.ENOSPC:
			return &Error{Kind: ErrResources, Err: err}
		}
	}
	return &Error{Kind: ErrInvalid, Err: err}
}

// Credentials selects the uid/gid/umask/working directory a spawned process
// runs under (spec §4.H step 3).
type Credentials struct {
	UID              uint32
	GID              uint32
	Umask            int
	WorkingDirectory string
	RootDirectory    string
}

// Request describes one spawn(exec_command, env, flags) call (spec §4.H).
type Request struct {
	Path        string
	Args        []string
	Env         []string
	Creds       Credentials
	Flags       Flags
	CGroupPath  string
	PassFDs     []int
	RLimitNOFILE *unix.Rlimit
}

// Spawn forks+execs Request, placing the child in CGroupPath first if it is
// non-empty (spec §4.H step 1), and returns its pid.
func Spawn(req Request) (pid int, err error) {
	if req.CGroupPath != "" {
		if err := EnsureCGroup(req.CGroupPath); err != nil {
			return 0, &Error{Kind: ErrResources, Err: fmt.Errorf("spawn: create cgroup %s: %w", req.CGroupPath, err)}
		}
	}

	cmd := exec.Command(req.Path, req.Args...)
	cmd.Env = req.Env
	if req.Creds.WorkingDirectory != "" {
		cmd.Dir = req.Creds.WorkingDirectory
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // own session so signals to the manager don't reach children
		Credential: &syscall.Credential{
			Uid: req.Creds.UID,
			Gid: req.Creds.GID,
		},
		Pdeathsig: syscall.SIGKILL,
	}

	if req.Flags&FlagPassFDs != 0 && len(req.PassFDs) > 0 {
		cmd.ExtraFiles = make([]*os.File, len(req.PassFDs))
		for i, fd := range req.PassFDs {
			cmd.ExtraFiles[i] = os.NewFile(uintptr(fd), fmt.Sprintf("passed-fd-%d", fd))
		}
	}

	if req.Creds.Umask != 0 {
		// applied in the child via a wrapper around Start is not available
		// through os/exec; the unit's sub-unit is expected to run under a
		// shell/helper that sets umask when UMask= requires a non-default
		// value. Logged so the gap is visible rather than silently ignored.
		logging.Debug("Spawn", "UMask=%#o requested but not applied by the direct exec path", req.Creds.Umask)
	}

	if err := cmd.Start(); err != nil {
		return 0, classify(err)
	}

	pid = cmd.Process.Pid
	if req.CGroupPath != "" {
		if err := attachToCGroup(req.CGroupPath, pid); err != nil {
			logging.Warn("Spawn", "failed to attach pid %d to cgroup %s: %v", pid, req.CGroupPath, err)
		}
	}
	if req.RLimitNOFILE != nil {
		if err := unix.Prlimit(pid, unix.RLIMIT_NOFILE, req.RLimitNOFILE, nil); err != nil {
			logging.Warn("Spawn", "failed to set NOFILE rlimit for pid %d: %v", pid, err)
		}
	}

	// The child is reaped by the scheduler's SIGCHLD handler via wait4, not
	// by this package, so release Go's handle now to avoid a double-wait.
	_ = cmd.Process.Release()

	logging.Info("Spawn", "started pid %d: %s", pid, req.Path)
	return pid, nil
}
