package service

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"coreinit/internal/unitfile"
)

// Type is the [Service] Type= value.
type Type string

const (
	TypeSimple  Type = "simple"
	TypeOneshot Type = "oneshot"
	TypeForking Type = "forking"
	TypeIdle    Type = "idle"
	TypeNotify  Type = "notify"
)

// KillMode is the [Service] KillMode= value.
type KillMode string

const (
	KillControlGroup KillMode = "control-group"
	KillProcess      KillMode = "process"
	KillMixed        KillMode = "mixed"
	KillNone         KillMode = "none"
)

// RestartPolicy is the [Service] Restart= value.
type RestartPolicy string

const (
	RestartNo        RestartPolicy = "no"
	RestartOnSuccess RestartPolicy = "on-success"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// ExecCommand is one entry of an ExecStart*/ExecStop*/ExecReload FIFO.
type ExecCommand struct {
	Path string
	Args []string
}

// Config is the parsed [Service] section (spec §6).
type Config struct {
	Type              Type
	ExecCondition     []ExecCommand
	ExecStartPre      []ExecCommand
	ExecStart         []ExecCommand
	ExecStartPost     []ExecCommand
	ExecStop          []ExecCommand
	ExecStopPost      []ExecCommand
	ExecReload        []ExecCommand
	RestartSec        time.Duration
	TimeoutStartSec   time.Duration
	TimeoutStopSec    time.Duration
	Environment       []string
	EnvironmentFile   []string
	WorkingDirectory  string
	RootDirectory     string
	User              string
	Group             string
	UMask             int
	KillMode          KillMode
	KillSignal        string
	LimitNOFILE       uint64
	Restart           RestartPolicy
	RemainAfterExit   bool
}

// ParseConfig interprets the raw [Service] section of a unit.Config (spec
// §4.D step 7: "Instantiate the type-specific sub and let it parse its own
// section").
func ParseConfig(section map[string]string) *Config {
	c := &Config{
		Type:           TypeSimple,
		KillMode:       KillControlGroup,
		KillSignal:     "SIGTERM",
		Restart:        RestartNo,
		TimeoutStartSec: 90 * time.Second,
		TimeoutStopSec:  90 * time.Second,
	}
	for key, value := range section {
		switch key {
		case "Type":
			c.Type = Type(value)
		case "ExecCondition":
			c.ExecCondition = append(c.ExecCondition, parseExecCommand(value))
		case "ExecStartPre":
			c.ExecStartPre = append(c.ExecStartPre, parseExecCommand(value))
		case "ExecStart":
			c.ExecStart = append(c.ExecStart, parseExecCommand(value))
		case "ExecStartPost":
			c.ExecStartPost = append(c.ExecStartPost, parseExecCommand(value))
		case "ExecStop":
			c.ExecStop = append(c.ExecStop, parseExecCommand(value))
		case "ExecStopPost":
			c.ExecStopPost = append(c.ExecStopPost, parseExecCommand(value))
		case "ExecReload":
			c.ExecReload = append(c.ExecReload, parseExecCommand(value))
		case "RestartSec":
			c.RestartSec = parseSeconds(value)
		case "TimeoutStartSec":
			c.TimeoutStartSec = parseSeconds(value)
		case "TimeoutStopSec":
			c.TimeoutStopSec = parseSeconds(value)
		case "Environment":
			c.Environment = append(c.Environment, strings.Fields(value)...)
		case "EnvironmentFile":
			c.EnvironmentFile = append(c.EnvironmentFile, value)
		case "WorkingDirectory":
			c.WorkingDirectory = value
		case "RootDirectory":
			c.RootDirectory = value
		case "User":
			c.User = value
		case "Group":
			c.Group = value
		case "UMask":
			if n, err := strconv.ParseInt(value, 8, 32); err == nil {
				c.UMask = int(n)
			}
		case "KillMode":
			c.KillMode = KillMode(value)
		case "KillSignal":
			c.KillSignal = value
		case "LimitNOFILE":
			if n, err := strconv.ParseUint(value, 10, 64); err == nil {
				c.LimitNOFILE = n
			}
		case "Restart":
			c.Restart = RestartPolicy(value)
		case "RemainAfterExit":
			c.RemainAfterExit, _ = strconv.ParseBool(value)
		}
	}
	return c
}

func parseExecCommand(value string) ExecCommand {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ExecCommand{}
	}
	return ExecCommand{Path: fields[0], Args: fields[1:]}
}

func parseSeconds(value string) time.Duration {
	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return time.Duration(n * float64(time.Second))
}

// resolveCredentials looks up User=/Group= against the system account
// database (spec §4.H step 3), returning the zero uid/gid and no home
// directory when User= is unset, matching spawn.Credentials' zero value
// (root, the current default for every unit that doesn't ask otherwise).
func (c *Config) resolveCredentials() (uid, gid uint32, homeDir string, err error) {
	if c.User == "" {
		return 0, 0, "", nil
	}
	u, err := user.Lookup(c.User)
	if err != nil {
		return 0, 0, "", fmt.Errorf("service: lookup user %s: %w", c.User, err)
	}
	uid64, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, "", fmt.Errorf("service: parse uid for user %s: %w", c.User, err)
	}
	gid64, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, "", fmt.Errorf("service: parse gid for user %s: %w", c.User, err)
	}
	uid, gid = uint32(uid64), uint32(gid64)

	if c.Group != "" {
		g, err := user.LookupGroup(c.Group)
		if err != nil {
			return 0, 0, "", fmt.Errorf("service: lookup group %s: %w", c.Group, err)
		}
		gid64, err := strconv.ParseUint(g.Gid, 10, 32)
		if err != nil {
			return 0, 0, "", fmt.Errorf("service: parse gid for group %s: %w", c.Group, err)
		}
		gid = uint32(gid64)
	}
	return uid, gid, u.HomeDir, nil
}

// buildEnv assembles the child's environment (spec §6 "Environment inherited
// by children"): a small curated core (PATH, HOME for the resolved user)
// overlaid by parsed EnvironmentFile= entries and then Environment=, each
// later source winning on a key collision.
func (c *Config) buildEnv(homeDir string) ([]string, error) {
	env := map[string]string{
		"PATH": "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	}
	if homeDir != "" {
		env["HOME"] = homeDir
	}

	for _, path := range c.EnvironmentFile {
		parsed, err := unitfile.ParseEnvironmentFile(path)
		if err != nil {
			return nil, err
		}
		for k, v := range parsed {
			env[k] = v
		}
	}
	for _, kv := range c.Environment {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// rlimitNOFILE builds the RLIMIT_NOFILE spawn wants applied to the child, or
// nil when LimitNOFILE= was never set (spec §6 "LimitNOFILE etc.").
func (c *Config) rlimitNOFILE() *unix.Rlimit {
	if c.LimitNOFILE == 0 {
		return nil
	}
	return &unix.Rlimit{Cur: c.LimitNOFILE, Max: c.LimitNOFILE}
}

// shouldRestart reports whether result warrants an auto-restart under the
// configured policy (spec §4.G "Auto-restart").
func (c *Config) shouldRestart(result Result) bool {
	switch c.Restart {
	case RestartAlways:
		return true
	case RestartOnSuccess:
		return result == Success
	case RestartOnFailure:
		return result != Success
	default:
		return false
	}
}
