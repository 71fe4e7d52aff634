package job

import "errors"

// Action errors a SubUnit's Start/Stop/Reload/Verify may return, per spec
// §4.E's action-error → JobResult table. These stand in for the action-error
// enum of the original design (EAgain, EAlready, ...); SubUnit implementations
// return one of these sentinels (or wrap it) rather than a raw OS error, so
// job running stays decoupled from process-level failure detail.
var (
	ErrAgain      = errors.New("job: action would block, retry on next notify")
	ErrAlready    = errors.New("job: unit already in the requested state")
	ErrComm       = errors.New("job: action completed via notification channel")
	ErrBadR       = errors.New("job: bad request for current unit state")
	ErrNoExec     = errors.New("job: nothing to execute")
	ErrProto      = errors.New("job: protocol violation")
	ErrOpNotSupp  = errors.New("job: operation not supported by this unit type")
	ErrNolink     = errors.New("job: dependency link broken")
	ErrStale      = errors.New("job: stale request, unit state moved on")
	ErrFailed     = errors.New("job: action failed")
	ErrInval      = errors.New("job: invalid configuration or argument")
	ErrBusy       = errors.New("job: unit busy")
	ErrNoent      = errors.New("job: unit or resource not found")
	ErrCanceled   = errors.New("job: action canceled")
)

// resultForActionError implements the "Action error -> Result" table from
// spec §4.E.
func resultForActionError(err error) Result {
	switch {
	case err == nil:
		// A successful action call only kicks the unit's state machine off;
		// the job stays Running until the unit notifies a new active state
		// (spec §4.E "Unit state -> job result mapping").
		return resultKeepRunning
	case errors.Is(err, ErrAgain):
		return resultKeepRunning
	case errors.Is(err, ErrAlready):
		return Done
	case errors.Is(err, ErrComm):
		return Done
	case errors.Is(err, ErrBadR):
		return Skipped
	case errors.Is(err, ErrNoExec):
		return Invalid
	case errors.Is(err, ErrProto):
		return Assert
	case errors.Is(err, ErrOpNotSupp):
		return UnSupported
	case errors.Is(err, ErrNolink):
		return Dependency
	case errors.Is(err, ErrStale):
		return Once
	case errors.Is(err, ErrFailed), errors.Is(err, ErrInval), errors.Is(err, ErrBusy),
		errors.Is(err, ErrNoent), errors.Is(err, ErrCanceled):
		return Failed
	default:
		return Skipped
	}
}

// resultKeepRunning is an internal sentinel result meaning "stay in Running,
// don't close the job"; it is never observed outside resultForActionError's
// caller.
const resultKeepRunning Result = -1
