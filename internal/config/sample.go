package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Sample is the svc.conf written by `svc init`.
const Sample = `# Easy service project configuration.
# Lines are "Key: value"; quote values containing ':' or '#'.

ServiceName: my-worker
DisplayName: My Worker
Description: An example worker supervised as a service
# Comma separated names of services that must start first.
Dependencies:

# Executable and arguments. Quote the executable if it contains spaces,
# and wrap the whole value in single quotes in that case:
#   Worker: '"/opt/my app/worker" --port 8080'
Worker: ./worker --port 8080
WorkingDir: .
# Daily output files go here; leave empty to print worker output.
OutFileDir: logs

# Seconds a worker gets to exit after receiving "exit" on stdin (0 ~ 300).
WaitSecondsForWorkerToExit: 10
# Text encoding of the worker's output, e.g. utf-8, gbk, shift_jis.
WorkerEncoding: utf-8
# Kill the worker process tree above this many MB; -1 disables the check.
WorkerMemoryLimit: -1
# Daily output files to keep; 0 keeps all of them.
MaxLogFilesNum: 30
RestartWaitSeconds: 5

Environments:
  - APP_ENV=production

User:
HistoryDSN:
MetricsAddr:
`

// WriteSample creates dir/svc.conf and dir/logs. An existing svc.conf is
// never overwritten.
func WriteSample(dir string) (string, error) {
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%s already exists", path)
		}
		return "", err
	}
	if _, err := f.WriteString(Sample); err != nil {
		_ = f.Close()
		return "", err
	}
	return path, f.Close()
}
