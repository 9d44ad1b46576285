package process

import "time"

// Status is a point-in-time view of a supervised worker.
type Status struct {
	Name        string    `json:"name"`
	State       string    `json:"state"` // idle, starting, running, stopping_graceful, stopping_forced, crash_restarting
	Running     bool      `json:"running"`
	PID         int       `json:"pid"`
	Command     string    `json:"command"`
	StartedAt   time.Time `json:"started_at"`
	StoppedAt   time.Time `json:"stopped_at"`
	Restarts    int       `json:"restarts"`
	LastExit    int       `json:"last_exit_code"`
	MemoryBytes uint64    `json:"memory_bytes"`
	MemoryLimit uint64    `json:"memory_limit_bytes,omitempty"`
}
