// Package registry installs and controls supervised instances as host
// services.
package registry

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotInstalled     = errors.New("service is not installed")
	ErrAlreadyInstalled = errors.New("service is already installed")
	ErrTimeout          = errors.New("timed out waiting for service status")
	ErrUnsupported      = errors.New("service registry is not supported on this platform")
)

const (
	// PollInterval and MaxWait bound the status polling after start/stop.
	PollInterval = 250 * time.Millisecond
	MaxWait      = 12 * time.Second
)

// Status is a service's state as reported by the host service manager.
type Status int

const (
	StatusUnknown Status = iota
	StatusNotInstalled
	StatusStopped
	StatusStartPending
	StatusRunning
	StatusStopPending
)

func (s Status) String() string {
	switch s {
	case StatusNotInstalled:
		return "NotInstalled"
	case StatusStopped:
		return "Stopped"
	case StatusStartPending:
		return "StartPending"
	case StatusRunning:
		return "Running"
	case StatusStopPending:
		return "StopPending"
	default:
		return "Unknown"
	}
}

// Service describes one installed service.
type Service struct {
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name"`
	Description  string   `json:"description"`
	Status       Status   `json:"status"`
	Dependencies []string `json:"dependencies"`
	ConfigDir    string   `json:"config_dir"`
	InstallPath  string   `json:"install_path"`
}

// Credentials select the account a service runs under.
type Credentials struct {
	Domain   string
	User     string
	Password string
}

// CreateOptions describe a service to install.
type CreateOptions struct {
	Name         string
	DisplayName  string
	Executable   string
	Args         []string
	Dependencies []string
	AutoStart    bool
	WorkingDir   string
	StopTimeout  time.Duration
	Credentials  *Credentials
}

// Registry is the host service manager.
type Registry interface {
	Create(ctx context.Context, opts CreateOptions) error
	SetDescription(ctx context.Context, name, description string) error
	Description(ctx context.Context, name string) (string, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	Query(ctx context.Context, name string) (Status, error)
	// List returns the services installed by this executable.
	List(ctx context.Context) ([]Service, error)
}

// FormatDescription appends the config directory to a description so the
// service entry point can find its configuration again.
func FormatDescription(text, dir string) string {
	return text + " @<" + dir + ">"
}

// ParseDescription splits a description made by FormatDescription.
// ok is false when no directory is embedded.
func ParseDescription(desc string) (text, dir string, ok bool) {
	i := strings.LastIndex(desc, "@<")
	if i < 0 || !strings.HasSuffix(desc, ">") || i+2 > len(desc)-1 {
		return desc, "", false
	}
	return strings.TrimSpace(desc[:i]), desc[i+2 : len(desc)-1], true
}
