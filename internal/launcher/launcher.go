// Package launcher starts sibling desktop apps on behalf of the HTTP façade.
// It only covers discovery and launch; running processes are not supervised.
package launcher

import (
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"sync"
)

// Launch error values.
var (
	ErrUnknownApp      = errors.New("unknown app")
	ErrAppNotInstalled = errors.New("app not installed")
)

// LaunchError carries the failing app alongside the sentinel cause.
type LaunchError struct {
	AppID string
	Err   error
}

func (launchError *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", launchError.AppID, launchError.Err)
}

func (launchError *LaunchError) Unwrap() error {
	return launchError.Err
}

// App describes one launchable sibling application.
type App struct {
	ID      string
	Name    string
	Command string
	Args    []string
}

// Process is a handle for a launched app.
type Process struct {
	AppID string
	PID   int
}

// DefaultApps returns the sibling apps shipped with the launcher.
func DefaultApps() []App {
	return []App{
		{ID: "photoflow", Name: "PhotoFlow", Command: "photoflow"},
		{ID: "vidcraft", Name: "VidCraft", Command: "vidcraft"},
		{ID: "soundforge", Name: "SoundForge", Command: "soundforge"},
		{ID: "codepilot", Name: "CodePilot", Command: "codepilot"},
	}
}

// Registry knows the launchable apps and their install state.
type Registry struct {
	mu       sync.Mutex
	apps     map[string]App
	lookPath func(string) (string, error)
	start    func(command string, args ...string) (int, error)
}

// NewRegistry builds a registry over the given apps. An empty list falls back
// to DefaultApps.
func NewRegistry(apps ...App) *Registry {
	if len(apps) == 0 {
		apps = DefaultApps()
	}
	registry := &Registry{
		apps:     make(map[string]App, len(apps)),
		lookPath: exec.LookPath,
		start:    startProcess,
	}
	for _, app := range apps {
		registry.apps[app.ID] = app
	}
	return registry
}

// Apps lists the registered apps ordered by id.
func (registry *Registry) Apps() []App {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	apps := make([]App, 0, len(registry.apps))
	for _, app := range registry.apps {
		apps = append(apps, app)
	}
	sort.Slice(apps, func(left, right int) bool { return apps[left].ID < apps[right].ID })
	return apps
}

// IsInstalled reports whether the app's command resolves on PATH.
func (registry *Registry) IsInstalled(appID string) bool {
	registry.mu.Lock()
	app, known := registry.apps[appID]
	lookPath := registry.lookPath
	registry.mu.Unlock()
	if !known {
		return false
	}
	_, err := lookPath(app.Command)
	return err == nil
}

// Launch starts the app and returns its process handle. The process runs
// detached; callers observe only the launch outcome.
func (registry *Registry) Launch(appID string) (*Process, error) {
	registry.mu.Lock()
	app, known := registry.apps[appID]
	lookPath := registry.lookPath
	start := registry.start
	registry.mu.Unlock()
	if !known {
		return nil, &LaunchError{AppID: appID, Err: ErrUnknownApp}
	}
	if _, err := lookPath(app.Command); err != nil {
		return nil, &LaunchError{AppID: appID, Err: ErrAppNotInstalled}
	}
	pid, err := start(app.Command, app.Args...)
	if err != nil {
		return nil, &LaunchError{AppID: appID, Err: err}
	}
	return &Process{AppID: app.ID, PID: pid}, nil
}

func startProcess(command string, args ...string) (int, error) {
	cmd := exec.Command(command, args...)
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
