// Package config loads and validates the svc.conf project file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/easysvc/internal/env"
	"github.com/loykin/easysvc/internal/process"
)

const (
	// FileName is the project configuration file looked up in the project dir.
	FileName = "svc.conf"
	// LogFile is the supervisor event log written next to FileName.
	LogFile = "svc.log"

	EnvPrefix = "SVC"

	DefaultWaitSeconds    = 10
	DefaultRestartSeconds = 5
	MaxWaitSeconds        = 300
)

// ErrInvalid wraps every validation failure returned by Load and Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config mirrors svc.conf. Keys are matched case-insensitively.
type Config struct {
	ServiceName                string   `mapstructure:"servicename"`
	DisplayName                string   `mapstructure:"displayname"`
	Description                string   `mapstructure:"description"`
	Dependencies               string   `mapstructure:"dependencies"` // comma separated
	Worker                     string   `mapstructure:"worker"`       // executable, optionally quoted, then arguments
	WorkingDir                 string   `mapstructure:"workingdir"`
	OutFileDir                 string   `mapstructure:"outfiledir"`
	WaitSecondsForWorkerToExit int      `mapstructure:"waitsecondsforworkertoexit"`
	WorkerEncoding             string   `mapstructure:"workerencoding"`
	WorkerMemoryLimit          int64    `mapstructure:"workermemorylimit"` // MB, -1 = unbounded
	MaxLogFilesNum             int      `mapstructure:"maxlogfilesnum"`
	RestartWaitSeconds         int      `mapstructure:"restartwaitseconds"`
	Environments               []string `mapstructure:"environments"` // KEY=VALUE entries
	Domain                     string   `mapstructure:"domain"`
	User                       string   `mapstructure:"user"`
	Password                   string   `mapstructure:"password"`
	HistoryDSN                 string   `mapstructure:"historydsn"`
	MetricsAddr                string   `mapstructure:"metricsaddr"`

	// Dir is the absolute project directory the file was loaded from.
	Dir string `mapstructure:"-"`
	// WorkerPath and WorkerArgs are Worker split and resolved against WorkingDir.
	WorkerPath string   `mapstructure:"-"`
	WorkerArgs []string `mapstructure:"-"`
}

var knownKeys = []string{
	"servicename", "displayname", "description", "dependencies", "worker",
	"workingdir", "outfiledir", "waitsecondsforworkertoexit", "workerencoding",
	"workermemorylimit", "maxlogfilesnum", "restartwaitseconds", "environments",
	"domain", "user", "password", "historydsn", "metricsaddr",
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	for _, k := range knownKeys {
		v.SetDefault(k, "")
	}
	v.SetDefault("workingdir", ".")
	v.SetDefault("waitsecondsforworkertoexit", DefaultWaitSeconds)
	v.SetDefault("workermemorylimit", process.NoMemoryLimit)
	v.SetDefault("maxlogfilesnum", 0)
	v.SetDefault("restartwaitseconds", DefaultRestartSeconds)
	v.SetDefault("environments", []string{})
	return v
}

// Load reads FileName from dir, applies SVC_* environment overrides and
// validates the result. Relative paths are resolved against dir.
func Load(dir string) (*Config, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}
	v := newViper(filepath.Join(abs, FileName))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", FileName, err)
	}
	var errs []error
	known := make(map[string]bool, len(knownKeys))
	for _, k := range knownKeys {
		known[k] = true
	}
	for _, k := range v.AllKeys() {
		root, _, _ := strings.Cut(k, ".")
		if !known[root] {
			errs = append(errs, fmt.Errorf("invalid configuration key %q", k))
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	c.Dir = abs
	c.resolvePaths()
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return &c, nil
}

func (c *Config) abs(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

func (c *Config) resolvePaths() {
	c.WorkingDir = c.abs(c.WorkingDir)
	c.OutFileDir = c.abs(c.OutFileDir)
	path, args, err := process.SplitCommandLine(c.Worker)
	if err != nil {
		return
	}
	c.WorkerPath, c.WorkerArgs = resolveWorker(c.WorkingDir, path), args
}

// resolveWorker prefers an existing file under workDir; otherwise the name
// is left for PATH lookup at spawn time.
func resolveWorker(workDir, name string) string {
	if filepath.IsAbs(name) || workDir == "" {
		return name
	}
	suffixes := []string{""}
	if runtime.GOOS == "windows" {
		suffixes = append(suffixes, ".exe", ".bat")
	}
	for _, s := range suffixes {
		if s != "" && strings.HasSuffix(strings.ToLower(name), s) {
			continue
		}
		p := filepath.Join(workDir, name+s)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	return name
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(key, value, reason string) {
		errs = append(errs, fmt.Errorf("bad %s %q: %s", key, value, reason))
	}
	switch {
	case c.ServiceName == "":
		errs = append(errs, errors.New("ServiceName must be provided"))
	case strings.ContainsAny(c.ServiceName, "\"/\\ \t"):
		bad("ServiceName", c.ServiceName, "contains quotes, slashes or whitespace")
	}
	for key, value := range map[string]string{
		"DisplayName":  c.DisplayName,
		"Description":  c.Description,
		"Dependencies": c.Dependencies,
		"Domain":       c.Domain,
		"User":         c.User,
		"Password":     c.Password,
	} {
		if strings.Contains(value, "\"") {
			bad(key, value, "contains '\"'")
		}
	}
	if strings.TrimSpace(c.Worker) == "" {
		errs = append(errs, errors.New("Worker must be provided"))
	} else if _, _, err := process.SplitCommandLine(c.Worker); err != nil {
		bad("Worker", c.Worker, err.Error())
	}
	if err := dirExists(c.WorkingDir); err != nil {
		bad("WorkingDir", c.WorkingDir, err.Error())
	}
	if c.OutFileDir != "" {
		if err := dirExists(c.OutFileDir); err != nil {
			bad("OutFileDir", c.OutFileDir, err.Error())
		}
	}
	if c.WaitSecondsForWorkerToExit < 0 || c.WaitSecondsForWorkerToExit > MaxWaitSeconds {
		bad("WaitSecondsForWorkerToExit", fmt.Sprint(c.WaitSecondsForWorkerToExit),
			fmt.Sprintf("should be a number between 0 ~ %d", MaxWaitSeconds))
	}
	if _, err := process.LookupEncoding(c.WorkerEncoding); err != nil {
		bad("WorkerEncoding", c.WorkerEncoding, err.Error())
	}
	if c.WorkerMemoryLimit == 0 || c.WorkerMemoryLimit < process.NoMemoryLimit {
		bad("WorkerMemoryLimit", fmt.Sprint(c.WorkerMemoryLimit), "should be -1 or a positive number of MB")
	}
	if c.MaxLogFilesNum < 0 {
		bad("MaxLogFilesNum", fmt.Sprint(c.MaxLogFilesNum), "should not be negative")
	}
	if c.MaxLogFilesNum > 0 && c.OutFileDir == "" {
		errs = append(errs, errors.New("MaxLogFilesNum requires OutFileDir"))
	}
	if c.RestartWaitSeconds <= 0 {
		bad("RestartWaitSeconds", fmt.Sprint(c.RestartWaitSeconds), "should be positive")
	}
	if _, err := c.EnvMap(); err != nil {
		errs = append(errs, err)
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errors.Join(errs...)
}

func dirExists(p string) error {
	fi, err := os.Stat(p)
	if err != nil {
		return errors.New("directory not exists")
	}
	if !fi.IsDir() {
		return errors.New("not a directory")
	}
	return nil
}

// DependencyList splits Dependencies on commas, dropping blanks.
func (c *Config) DependencyList() []string {
	var out []string
	for _, d := range strings.Split(c.Dependencies, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// EnvMap parses Environments into a map. Keys must be unique.
func (c *Config) EnvMap() (map[string]string, error) {
	m := make(map[string]string, len(c.Environments))
	for _, kv := range c.Environments {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("bad Environments entry %q: expected KEY=VALUE", kv)
		}
		if _, dup := m[k]; dup {
			return nil, fmt.Errorf("bad Environments entry %q: duplicate key", kv)
		}
		m[k] = v
	}
	return m, nil
}

// ToSpec converts a validated config into a worker spec. Environment
// values have ${VAR} references expanded against the host environment.
func (c *Config) ToSpec() process.Spec {
	vars, _ := c.EnvMap()
	return process.Spec{
		Name:          c.ServiceName,
		Path:          c.WorkerPath,
		Args:          c.WorkerArgs,
		WorkDir:       c.WorkingDir,
		Env:           env.Resolve(env.FromOS(), vars),
		OutputDir:     c.OutFileDir,
		Encoding:      c.WorkerEncoding,
		RestartWait:   time.Duration(c.RestartWaitSeconds) * time.Second,
		StopWait:      time.Duration(c.WaitSecondsForWorkerToExit) * time.Second,
		MemoryLimitMB: c.WorkerMemoryLimit,
		MaxLogFiles:   c.MaxLogFilesNum,
	}.WithDefaults()
}

// LogPath is where the supervisor event log lives.
func (c *Config) LogPath() string { return filepath.Join(c.Dir, LogFile) }

// Show prints the effective configuration. The password is masked.
func (c *Config) Show(w io.Writer) {
	pw := ""
	if c.Password != "" {
		pw = "******"
	}
	rows := [][2]string{
		{"ServiceName", c.ServiceName},
		{"DisplayName", c.DisplayName},
		{"Description", c.Description},
		{"Dependencies", strings.Join(c.DependencyList(), ", ")},
		{"Worker", c.Worker},
		{"Worker's path", c.WorkerPath},
		{"Worker's arguments", strings.Join(c.WorkerArgs, " ")},
		{"WorkingDir", c.WorkingDir},
		{"OutFileDir", c.OutFileDir},
		{"WaitSecondsForWorkerToExit", fmt.Sprint(c.WaitSecondsForWorkerToExit)},
		{"WorkerEncoding", c.WorkerEncoding},
		{"WorkerMemoryLimit", fmt.Sprint(c.WorkerMemoryLimit)},
		{"MaxLogFilesNum", fmt.Sprint(c.MaxLogFilesNum)},
		{"RestartWaitSeconds", fmt.Sprint(c.RestartWaitSeconds)},
		{"Environments", strings.Join(c.Environments, " ")},
		{"Domain", c.Domain},
		{"User", c.User},
		{"Password", pw},
		{"HistoryDSN", c.HistoryDSN},
		{"MetricsAddr", c.MetricsAddr},
	}
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s: %s\n", r[0], r[1])
	}
}
