package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// Defaults applied by Spec.WithDefaults.
const (
	DefaultRestartWait     = 5 * time.Second
	DefaultStopWait        = 10 * time.Second
	MaxStopWait            = 300 * time.Second
	DefaultMonitorInterval = 2 * time.Minute
	DefaultRotateInterval  = 2 * time.Hour

	// NoMemoryLimit disables the memory monitor.
	NoMemoryLimit int64 = -1
)

// Spec describes a worker executable to be supervised.
// A Spec is treated as immutable once handed to a supervisor.
type Spec struct {
	Name            string            `json:"name"`
	Path            string            `json:"path"`             // executable path
	Args            []string          `json:"args"`             // arguments passed verbatim
	WorkDir         string            `json:"work_dir"`         // working directory of the worker
	Env             map[string]string `json:"env"`              // extra environment, overrides the host environment
	OutputDir       string            `json:"output_dir"`       // daily output files; empty means console
	Encoding        string            `json:"encoding"`         // text encoding of the worker's output
	RestartWait     time.Duration     `json:"restart_wait"`     // delay before re-creating a crashed worker
	StopWait        time.Duration     `json:"stop_wait"`        // graceful stop window, 0 disables the exit token
	MemoryLimitMB   int64             `json:"memory_limit_mb"`  // -1 = unbounded
	MaxLogFiles     int               `json:"max_log_files"`    // 0 = keep all daily output files
	MonitorInterval time.Duration     `json:"monitor_interval"` // memory poll interval
	RotateInterval  time.Duration     `json:"rotate_interval"`  // output pruning interval
}

// WithDefaults returns a copy of s with zero-valued timings filled in.
// StopWait is left alone because zero is meaningful.
func (s Spec) WithDefaults() Spec {
	if s.RestartWait <= 0 {
		s.RestartWait = DefaultRestartWait
	}
	if s.MonitorInterval <= 0 {
		s.MonitorInterval = DefaultMonitorInterval
	}
	if s.RotateInterval <= 0 {
		s.RotateInterval = DefaultRotateInterval
	}
	if s.MemoryLimitMB == 0 {
		s.MemoryLimitMB = NoMemoryLimit
	}
	return s
}

// Validate reports every problem with the worker spec at once.
func (s Spec) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Path) == "" {
		errs = append(errs, errors.New("worker path is required"))
	}
	if s.StopWait < 0 || s.StopWait > MaxStopWait {
		errs = append(errs, fmt.Errorf("stop wait %s out of range 0s..%s", s.StopWait, MaxStopWait))
	}
	if s.MemoryLimitMB < NoMemoryLimit {
		errs = append(errs, fmt.Errorf("memory limit %dMB is invalid", s.MemoryLimitMB))
	}
	if s.MaxLogFiles < 0 {
		errs = append(errs, fmt.Errorf("max log files %d is negative", s.MaxLogFiles))
	}
	if s.MaxLogFiles > 0 && s.OutputDir == "" {
		errs = append(errs, errors.New("max log files requires an output directory"))
	}
	if _, err := LookupEncoding(s.Encoding); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// HasMemoryLimit reports whether the memory monitor should run.
func (s Spec) HasMemoryLimit() bool { return s.MemoryLimitMB > 0 }

// MemoryLimitBytes converts the configured limit to bytes.
func (s Spec) MemoryLimitBytes() uint64 {
	if s.MemoryLimitMB <= 0 {
		return 0
	}
	return uint64(s.MemoryLimitMB) * 1024 * 1024
}

// DisplayCommand renders the worker command line for log messages.
func (s Spec) DisplayCommand() string {
	parts := make([]string, 0, len(s.Args)+1)
	parts = append(parts, quoteIfNeeded(s.Path))
	for _, a := range s.Args {
		parts = append(parts, quoteIfNeeded(a))
	}
	return strings.Join(parts, " ")
}

// BuildCommand constructs the *exec.Cmd for the worker. Stdio wiring is
// left to the caller.
func (s Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- worker command comes from svc.conf
	cmd := exec.Command(s.Path, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	cmd.Env = MergeEnv(os.Environ(), s.Env)
	return cmd
}

// MergeEnv overlays extra on top of base KEY=VALUE pairs. Keys from extra
// replace existing ones; new keys are appended in sorted order.
func MergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]bool, len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if v, ok := extra[k]; ok {
			out = append(out, k+"="+v)
			seen[k] = true
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// SplitCommandLine splits a worker command line into the executable and its
// arguments. A leading double-quoted segment is taken verbatim as the path
// so paths with spaces work; remaining arguments honour single and double
// quotes.
func SplitCommandLine(line string) (string, []string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil, errors.New("empty command")
	}
	var path, rest string
	if line[0] == '"' {
		end := strings.IndexByte(line[1:], '"')
		if end == -1 {
			return "", nil, errors.New("bad format: unterminated quote")
		}
		path = strings.TrimSpace(line[1 : end+1])
		rest = line[end+2:]
		if path == "" {
			return "", nil, errors.New("bad format: empty path")
		}
	} else {
		path, rest, _ = strings.Cut(line, " ")
	}
	args, err := splitArgs(rest)
	if err != nil {
		return "", nil, err
	}
	return path, args, nil
}

func splitArgs(s string) ([]string, error) {
	var (
		args  []string
		cur   strings.Builder
		quote rune
		inArg bool
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			inArg = true
		case r == ' ' || r == '\t':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, errors.New("bad format: unterminated quote")
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"'") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
