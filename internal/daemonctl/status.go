package daemonctl

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"tender/internal/config"
	"tender/internal/ipc"
	"tender/internal/logging"
	"tender/internal/project"
)

// StatusLine is one labelled row of status output.
type StatusLine struct {
	Label    string
	Severity string
	Detail   string
}

// ActiveProject is a project whose pid file is currently present.
type ActiveProject struct {
	Key project.Key
	PID int
}

// StatusSnapshot describes the server and the projects it holds.
type StatusSnapshot struct {
	Running       bool
	Server        ipc.ServerConfig
	DiscoveryPath string
	LogPath       string
	Projects      []ActiveProject
	Lines         []StatusLine
}

// BuildStatus reads the discovery record and the run directory. It never
// contacts the server.
func BuildStatus(cfg *config.Config) (*StatusSnapshot, error) {
	if cfg == nil {
		return nil, errors.New("configuration not available")
	}
	snap := &StatusSnapshot{
		DiscoveryPath: cfg.Server.DiscoveryPath,
		LogPath:       logging.LogPath(cfg),
	}
	snap.Server, snap.Running = ipc.Running(cfg.Server.DiscoveryPath)

	projects, err := ActiveProjects(cfg)
	if err != nil {
		return nil, err
	}
	snap.Projects = projects
	snap.Lines = buildLines(cfg, snap)
	return snap, nil
}

// ActiveProjects lists projects with a live pid file under the run directory.
func ActiveProjects(cfg *config.Config) ([]ActiveProject, error) {
	entries, err := os.ReadDir(cfg.RunDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run directory: %w", err)
	}
	registry := project.NewRegistry(project.Options{LockDir: cfg.LockDir(), RunDir: cfg.RunDir()})
	var out []ActiveProject
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		key := project.Key(entry.Name())
		pid, ok := registry.ReadPid(key)
		if !ok || !project.IsPidAlive(pid) {
			continue
		}
		out = append(out, ActiveProject{Key: key, PID: pid})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func buildLines(cfg *config.Config, snap *StatusSnapshot) []StatusLine {
	lines := make([]StatusLine, 0, 4)
	if snap.Running {
		detail := fmt.Sprintf("Running (pid %d, %s)", snap.Server.PID, snap.Server.Address())
		if snap.Server.Version != "" {
			detail += " version " + snap.Server.Version
		}
		lines = append(lines, StatusLine{Label: "Server", Severity: "ok", Detail: detail})
	} else {
		lines = append(lines, StatusLine{Label: "Server", Severity: "warn", Detail: "Not running (run `tender start`)"})
	}

	switch _, err := ipc.ReadDiscovery(cfg.Server.DiscoveryPath); {
	case err == nil && !snap.Running:
		lines = append(lines, StatusLine{Label: "Discovery", Severity: "warn", Detail: "Stale record at " + cfg.Server.DiscoveryPath})
	case err == nil:
		lines = append(lines, StatusLine{Label: "Discovery", Severity: "ok", Detail: cfg.Server.DiscoveryPath})
	case errors.Is(err, fs.ErrNotExist):
		lines = append(lines, StatusLine{Label: "Discovery", Severity: "info", Detail: "No record"})
	default:
		lines = append(lines, StatusLine{Label: "Discovery", Severity: "error", Detail: err.Error()})
	}

	if len(snap.Projects) == 0 {
		lines = append(lines, StatusLine{Label: "Workers", Severity: "info", Detail: "None active"})
	} else {
		lines = append(lines, StatusLine{Label: "Workers", Severity: "ok", Detail: fmt.Sprintf("%d active", len(snap.Projects))})
	}

	if cfg.History.Enabled {
		lines = append(lines, StatusLine{Label: "History", Severity: "ok", Detail: cfg.History.Path})
	} else {
		lines = append(lines, StatusLine{Label: "History", Severity: "info", Detail: "Disabled"})
	}
	return lines
}
