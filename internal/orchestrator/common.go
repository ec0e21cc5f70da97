package orchestrator

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/docker/go-units"
)

const (
	labelManagedBy = "docorc"
	labelTemplate  = "docorc.template"
)

// volumeSpec is a parsed "source:target[:ro]" volume entry.
type volumeSpec struct {
	Source   string
	Target   string
	ReadOnly bool
	// Bind is true when Source is a host path rather than a named volume.
	Bind bool
}

func parseVolumeSpec(spec string) (volumeSpec, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return volumeSpec{}, fmt.Errorf("invalid volume %q: want source:target[:ro]", spec)
	}
	v := volumeSpec{Source: parts[0], Target: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			v.ReadOnly = true
		case "rw":
		default:
			return volumeSpec{}, fmt.Errorf("invalid volume mode %q in %q", parts[2], spec)
		}
	}
	v.Bind = filepath.IsAbs(v.Source) || strings.HasPrefix(v.Source, ".")
	return v, nil
}

func parseCPUToNanoCPUs(cpuStr string) int64 {
	if strings.HasSuffix(cpuStr, "m") {
		var n int64
		fmt.Sscanf(cpuStr[:len(cpuStr)-1], "%d", &n)
		return n * 1_000_000
	}
	var f float64
	fmt.Sscanf(cpuStr, "%f", &f)
	return int64(f * 1_000_000_000)
}

// parseMemoryToBytes accepts docker-style sizes ("512m", "2g").
func parseMemoryToBytes(memStr string) (int64, error) {
	if memStr == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(memStr)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", memStr, err)
	}
	return n, nil
}

// envList flattens env into KEY=VALUE pairs in key order.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func managedLabels(params CreateParams) map[string]string {
	labels := map[string]string{"managed-by": labelManagedBy, "app": params.Name}
	if params.Template != "" {
		labels[labelTemplate] = params.Template
	}
	return labels
}

// onceCloser runs fn at most once and returns its first result on every call.
func onceCloser(fn func() error) func() error {
	var once sync.Once
	var err error
	return func() error {
		once.Do(func() { err = fn() })
		return err
	}
}
