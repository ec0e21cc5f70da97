package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/joshcassell4/docorcpty/internal/config"
	"github.com/joshcassell4/docorcpty/internal/database"
)

const settingBackend = "orchestrator_backend"

var (
	current ContainerOrchestrator
	mu      sync.RWMutex
)

// InitOrchestrator selects the backend named by configuration. In "auto"
// mode a backend detected on a previous start is preferred, then
// Kubernetes, then Docker.
func InitOrchestrator(ctx context.Context) error {
	backend := config.Cfg.OrchestratorBackend
	if backend == "" {
		backend = "auto"
	}
	if backend == "auto" {
		if saved, err := database.GetSetting(settingBackend); err == nil && saved != "" && saved != "auto" {
			if o := tryBackend(ctx, saved); o != nil {
				setCurrent(o)
				return nil
			}
		}
	}

	candidates := []string{backend}
	if backend == "auto" {
		candidates = []string{"kubernetes", "docker"}
	}
	for _, name := range candidates {
		o := tryBackend(ctx, name)
		if o == nil {
			continue
		}
		setCurrent(o)
		if backend == "auto" {
			_ = database.SetSetting(settingBackend, name)
		}
		return nil
	}

	log.Println("[orchestrator] WARNING: No orchestrator backend available")
	return fmt.Errorf("no orchestrator backend available (tried: %s)", backend)
}

func tryBackend(ctx context.Context, name string) ContainerOrchestrator {
	var o ContainerOrchestrator
	switch name {
	case "kubernetes":
		o = &KubernetesOrchestrator{}
	case "docker":
		o = &DockerOrchestrator{}
	case "local":
		o = &LocalOrchestrator{}
	default:
		log.Printf("[orchestrator] Unknown backend %q", name)
		return nil
	}
	if err := o.Initialize(ctx); err != nil {
		log.Printf("[orchestrator] %s backend unavailable: %v", name, err)
		return nil
	}
	if !o.IsAvailable(ctx) {
		return nil
	}
	return o
}

func setCurrent(o ContainerOrchestrator) {
	mu.Lock()
	current = o
	mu.Unlock()
	log.Printf("[orchestrator] Using %s backend", o.BackendName())
}

func Get() ContainerOrchestrator {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// ErrNoBackend is returned by Active when no backend has been selected.
var ErrNoBackend = errors.New("no orchestrator backend available")

// Active forwards terminal attachment to whichever backend is current at
// call time, so callers constructed before a backend is selected pick it
// up later.
type Active struct{}

func (Active) IsRunning(ctx context.Context, ref string) (bool, error) {
	o := Get()
	if o == nil {
		return false, ErrNoBackend
	}
	return o.IsRunning(ctx, ref)
}

func (Active) AttachPTY(ctx context.Context, ref string, cmd []string, rows, cols uint16) (*ExecSession, error) {
	o := Get()
	if o == nil {
		return nil, ErrNoBackend
	}
	return o.AttachPTY(ctx, ref, cmd, rows, cols)
}
