package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/kagenti/agent-sandbox/internal/capability"
	"github.com/kagenti/agent-sandbox/internal/config"
	"github.com/kagenti/agent-sandbox/internal/policy"
	"github.com/kagenti/agent-sandbox/internal/sandbox"
	"github.com/kagenti/agent-sandbox/internal/workspace"
)

// Exit statuses shared by the commands that act on a policy decision.
const (
	exitDenied        = 2
	exitNeedsApproval = 3
	exitFailed        = 125 // the command timed out, was cancelled or could not start
)

// sandboxRuntime is everything a command needs to run operations for one
// context.
type sandboxRuntime struct {
	cfg        *config.Config
	classifier policy.Classifier
	caps       *capability.Config
	log        *policy.DecisionLogger
	watcher    *policy.Watcher
	workspaces *workspace.Manager
}

func newWorkspaceManager(cfg *config.Config) *workspace.Manager {
	return workspace.NewManager(workspace.Config{
		Root:      cfg.Workspace.Root,
		AgentName: cfg.Agent.Name,
		Namespace: cfg.Agent.Namespace,
		TTLDays:   cfg.Workspace.TTLDays,
	})
}

// loadClassifier builds the policy from the configured settings layers.
// With watch set the returned watcher must be closed by the caller.
func loadClassifier(cfg *config.Config, watch bool) (policy.Classifier, *policy.Watcher, error) {
	paths := cfg.PolicyPaths()
	if watch {
		w, err := policy.NewWatcher(paths...)
		if err != nil {
			return nil, nil, fmt.Errorf("loading settings: %w", err)
		}
		return w, w, nil
	}
	e, err := policy.LoadEngine(paths...)
	if err != nil {
		return nil, nil, fmt.Errorf("loading settings: %w", err)
	}
	return e, nil, nil
}

// loadCapabilities falls back to the defaults (nothing enabled, default
// runtime limits) when the capability document does not exist.
func loadCapabilities(cfg *config.Config) (*capability.Config, error) {
	caps, err := capability.Load(cfg.Capabilities.Path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("capabilities file not found, using defaults", "path", cfg.Capabilities.Path)
		return capability.Default(), nil
	}
	return caps, err
}

// openDecisionLog returns nil when the decision log is disabled.
func openDecisionLog(cfg *config.Config) (*policy.DecisionLogger, error) {
	if !cfg.DecisionLog.Enabled {
		return nil, nil
	}
	l, err := policy.NewDecisionLogger(policy.DecisionLogConfig{
		Path:        cfg.DecisionLog.Path,
		SampleAllow: cfg.DecisionLog.SampleAllow,
	})
	if err != nil {
		return nil, fmt.Errorf("opening decision log: %w", err)
	}
	return l, nil
}

func newSandboxRuntime(cfg *config.Config, watch bool) (*sandboxRuntime, error) {
	classifier, watcher, err := loadClassifier(cfg, watch)
	if err != nil {
		return nil, err
	}

	caps, err := loadCapabilities(cfg)
	if err != nil {
		if watcher != nil {
			watcher.Close()
		}
		return nil, err
	}

	dl, err := openDecisionLog(cfg)
	if err != nil {
		if watcher != nil {
			watcher.Close()
		}
		return nil, err
	}

	return &sandboxRuntime{
		cfg:        cfg,
		classifier: classifier,
		caps:       caps,
		log:        dl,
		watcher:    watcher,
		workspaces: newWorkspaceManager(cfg),
	}, nil
}

// executor ensures the context's workspace exists and binds an executor
// to it.
func (r *sandboxRuntime) executor(contextID string, memoryLimit bool) (*sandbox.Executor, error) {
	path, err := r.workspaces.EnsureWorkspace(contextID)
	if err != nil {
		return nil, err
	}
	opts := []sandbox.Option{sandbox.WithContextID(contextID)}
	if r.log != nil {
		opts = append(opts, sandbox.WithDecisionLog(r.log))
	}
	if memoryLimit {
		opts = append(opts, sandbox.WithMemoryLimit())
	}
	return sandbox.NewExecutor(path, r.classifier, r.caps, opts...), nil
}

func (r *sandboxRuntime) Close() {
	if r.log != nil {
		if err := r.log.Close(); err != nil {
			slog.Warn("closing decision log", "error", err)
		}
	}
	if r.watcher != nil {
		r.watcher.Close()
	}
}
