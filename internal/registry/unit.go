package registry

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/easysvc/internal/process"
)

const (
	unitSuffix     = ".service"
	displayNameKey = "X-EasySvc-DisplayName"
)

// unitFile is the subset of a systemd unit this package writes and reads.
type unitFile struct {
	Description string
	DisplayName string
	Requires    []string // service names, without the .service suffix
	ExecStart   string
	WorkingDir  string
	User        string
	StopTimeout time.Duration
}

func unitName(name string) string { return name + unitSuffix }

// escapeSpecifiers protects literal % from systemd specifier expansion.
func escapeSpecifiers(s string) string { return strings.ReplaceAll(s, "%", "%%") }

func unescapeSpecifiers(s string) string { return strings.ReplaceAll(s, "%%", "%") }

func (u unitFile) render() string {
	var b strings.Builder
	b.WriteString("[Unit]\n")
	fmt.Fprintf(&b, "Description=%s\n", escapeSpecifiers(u.Description))
	if u.DisplayName != "" {
		fmt.Fprintf(&b, "%s=%s\n", displayNameKey, u.DisplayName)
	}
	after := []string{"network.target"}
	if len(u.Requires) > 0 {
		deps := make([]string, len(u.Requires))
		for i, d := range u.Requires {
			deps[i] = unitName(d)
		}
		fmt.Fprintf(&b, "Requires=%s\n", strings.Join(deps, " "))
		after = append(after, deps...)
	}
	fmt.Fprintf(&b, "After=%s\n", strings.Join(after, " "))
	b.WriteString("# Managed by easysvc\n\n")

	b.WriteString("[Service]\n")
	b.WriteString("Type=simple\n")
	fmt.Fprintf(&b, "ExecStart=%s\n", escapeSpecifiers(u.ExecStart))
	if u.WorkingDir != "" {
		fmt.Fprintf(&b, "WorkingDirectory=%s\n", escapeSpecifiers(u.WorkingDir))
	}
	if u.User != "" {
		fmt.Fprintf(&b, "User=%s\n", u.User)
	}
	// the supervisor kills its worker tree itself
	b.WriteString("KillMode=process\n")
	b.WriteString("KillSignal=SIGTERM\n")
	if u.StopTimeout > 0 {
		fmt.Fprintf(&b, "TimeoutStopSec=%d\n", int(u.StopTimeout.Round(time.Second)/time.Second))
	}
	b.WriteString("\n[Install]\n")
	b.WriteString("WantedBy=multi-user.target\n")
	return b.String()
}

func parseUnit(content string) (unitFile, error) {
	var u unitFile
	section := ""
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = line[1 : len(line)-1]
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return unitFile{}, fmt.Errorf("malformed unit line %q", line)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch section + "." + key {
		case "Unit.Description":
			u.Description = unescapeSpecifiers(value)
		case "Unit." + displayNameKey:
			u.DisplayName = value
		case "Unit.Requires":
			for _, d := range strings.Fields(value) {
				u.Requires = append(u.Requires, strings.TrimSuffix(d, unitSuffix))
			}
		case "Service.ExecStart":
			u.ExecStart = unescapeSpecifiers(value)
		case "Service.WorkingDirectory":
			u.WorkingDir = unescapeSpecifiers(value)
		case "Service.User":
			u.User = value
		case "Service.TimeoutStopSec":
			if d, err := time.ParseDuration(value + "s"); err == nil {
				u.StopTimeout = d
			}
		}
	}
	return u, sc.Err()
}

// execPath returns the binary ExecStart runs.
func (u unitFile) execPath() string {
	path, _, err := process.SplitCommandLine(u.ExecStart)
	if err != nil {
		return ""
	}
	return path
}
