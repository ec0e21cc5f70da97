package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/joshcassell4/docorcpty/internal/config"
)

type DockerOrchestrator struct {
	client    *dockerclient.Client
	available bool
}

func (d *DockerOrchestrator) Initialize(ctx context.Context) error {
	var opts []dockerclient.Opt
	opts = append(opts, dockerclient.FromEnv)
	opts = append(opts, dockerclient.WithAPIVersionNegotiation())
	if config.Cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(config.Cfg.DockerHost))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}

	if _, err = d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}

	if err := d.ensureNetwork(ctx); err != nil {
		return fmt.Errorf("docker network: %w", err)
	}

	d.available = true
	log.Println("[orchestrator] Docker daemon connected")
	return nil
}

func (d *DockerOrchestrator) ensureNetwork(ctx context.Context) error {
	name := config.Cfg.DockerNetwork
	if name == "" {
		return nil
	}
	if _, err := d.client.NetworkInspect(ctx, name, network.InspectOptions{}); err == nil {
		return nil
	}
	_, err := d.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{"managed-by": labelManagedBy},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	log.Printf("[orchestrator] Created Docker network: %s", name)
	return nil
}

func (d *DockerOrchestrator) IsAvailable(_ context.Context) bool {
	return d.available
}

func (d *DockerOrchestrator) BackendName() string {
	return "docker"
}

func (d *DockerOrchestrator) IsRunning(ctx context.Context, ref string) (bool, error) {
	inspect, err := d.client.ContainerInspect(ctx, ref)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func (d *DockerOrchestrator) AttachPTY(ctx context.Context, ref string, cmd []string, rows, cols uint16) (*ExecSession, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		Env:          []string{"TERM=xterm-256color"},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		ConsoleSize:  &[2]uint{uint(rows), uint(cols)},
	}

	execID, err := d.client.ContainerExecCreate(ctx, ref, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{
		Tty:         true,
		ConsoleSize: &[2]uint{uint(rows), uint(cols)},
	})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	return &ExecSession{
		Stdin:  resp.Conn,
		Stdout: resp.Reader,
		Resize: func(cols, rows uint16) error {
			// The attach context may belong to a finished request.
			rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return d.client.ContainerExecResize(rctx, execID.ID, container.ResizeOptions{
				Width:  uint(cols),
				Height: uint(rows),
			})
		},
		Close: onceCloser(func() error {
			resp.Close()
			return nil
		}),
	}, nil
}

func (d *DockerOrchestrator) ensureImage(ctx context.Context, img string) error {
	if _, _, err := d.client.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	}

	log.Printf("[orchestrator] Image %s not found locally, pulling...", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	log.Printf("[orchestrator] Image %s pulled successfully", img)
	return nil
}

func (d *DockerOrchestrator) CreateContainer(ctx context.Context, params CreateParams) (string, error) {
	if err := d.ensureImage(ctx, params.Image); err != nil {
		return "", err
	}

	var mounts []mount.Mount
	for _, spec := range params.Volumes {
		v, err := parseVolumeSpec(spec)
		if err != nil {
			return "", err
		}
		typ := mount.TypeVolume
		if v.Bind {
			typ = mount.TypeBind
		}
		mounts = append(mounts, mount.Mount{Type: typ, Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly})
	}

	exposed, bindings, err := nat.ParsePortSpecs(params.Ports)
	if err != nil {
		return "", fmt.Errorf("parse ports: %w", err)
	}

	memLimit, err := parseMemoryToBytes(params.MemoryLimit)
	if err != nil {
		return "", err
	}
	var nanoCPUs int64
	if params.CPULimit != "" {
		nanoCPUs = parseCPUToNanoCPUs(params.CPULimit)
	}

	containerCfg := &container.Config{
		Image:        params.Image,
		Cmd:          params.Command,
		Env:          envList(params.Env),
		WorkingDir:   params.WorkingDir,
		Labels:       managedLabels(params),
		ExposedPorts: exposed,
		Tty:          true,
		OpenStdin:    true,
	}

	hostCfg := &container.HostConfig{
		Privileged:     params.Privileged,
		ReadonlyRootfs: params.ReadOnly,
		Mounts:         mounts,
		PortBindings:   bindings,
		Resources: container.Resources{
			NanoCPUs:  nanoCPUs,
			Memory:    memLimit,
			CPUShares: params.CPUShares,
		},
	}

	var netCfg *network.NetworkingConfig
	if name := config.Cfg.DockerNetwork; name != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{name: {}},
		}
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, params.Name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerOrchestrator) StartContainer(ctx context.Context, ref string) error {
	return d.wrapNotFound(d.client.ContainerStart(ctx, ref, container.StartOptions{}))
}

func (d *DockerOrchestrator) StopContainer(ctx context.Context, ref string) error {
	timeout := 10
	return d.wrapNotFound(d.client.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout}))
}

func (d *DockerOrchestrator) RestartContainer(ctx context.Context, ref string) error {
	timeout := 10
	return d.wrapNotFound(d.client.ContainerRestart(ctx, ref, container.StopOptions{Timeout: &timeout}))
}

func (d *DockerOrchestrator) RemoveContainer(ctx context.Context, ref string) error {
	return d.wrapNotFound(d.client.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}))
}

func (d *DockerOrchestrator) wrapNotFound(err error) error {
	if err != nil && dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func (d *DockerOrchestrator) ListContainers(ctx context.Context, all bool) ([]ContainerInfo, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     all,
		Filters: filters.NewArgs(filters.Arg("label", "managed-by="+labelManagedBy)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		var ports []string
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				ports = append(ports, fmt.Sprintf("%d:%d/%s", p.PublicPort, p.PrivatePort, p.Type))
			}
		}
		out = append(out, ContainerInfo{
			ID:       c.ID,
			Name:     name,
			Image:    c.Image,
			Status:   c.State,
			Running:  c.State == "running",
			Created:  time.Unix(c.Created, 0).UTC(),
			Ports:    ports,
			Labels:   c.Labels,
			Template: c.Labels[labelTemplate],
		})
	}
	return out, nil
}

func (d *DockerOrchestrator) InspectContainer(ctx context.Context, ref string) (*ContainerInfo, error) {
	inspect, err := d.client.ContainerInspect(ctx, ref)
	if err != nil {
		return nil, d.wrapNotFound(err)
	}

	info := &ContainerInfo{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if inspect.Config != nil {
		info.Image = inspect.Config.Image
		info.Labels = inspect.Config.Labels
		info.Template = inspect.Config.Labels[labelTemplate]
	}
	if inspect.State != nil {
		info.Status = inspect.State.Status
		info.Running = inspect.State.Running
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		info.Created = created.UTC()
	}
	if inspect.NetworkSettings != nil {
		for port, bindings := range inspect.NetworkSettings.Ports {
			for _, b := range bindings {
				info.Ports = append(info.Ports, fmt.Sprintf("%s:%s", b.HostPort, port))
			}
		}
	}
	return info, nil
}

// dockerStats is the subset of the stats payload used to compute usage.
type dockerStats struct {
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
		OnlineCPUs  uint32 `json:"online_cpus"`
	} `json:"cpu_stats"`
	PreCPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
}

func (d *DockerOrchestrator) ContainerStats(ctx context.Context, ref string) (*ContainerStats, error) {
	resp, err := d.client.ContainerStatsOneShot(ctx, ref)
	if err != nil {
		return nil, d.wrapNotFound(err)
	}
	defer resp.Body.Close()

	var raw dockerStats
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return computeStats(raw), nil
}

func computeStats(raw dockerStats) *ContainerStats {
	s := &ContainerStats{
		MemoryUsage: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
	}
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	cpus := float64(raw.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = 1
	}
	if cpuDelta > 0 && sysDelta > 0 {
		s.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}
	if s.MemoryLimit > 0 {
		s.MemoryPercent = float64(s.MemoryUsage) / float64(s.MemoryLimit) * 100
	}
	for _, n := range raw.Networks {
		s.NetworkRx += n.RxBytes
		s.NetworkTx += n.TxBytes
	}
	return s
}

func (d *DockerOrchestrator) ContainerLogs(ctx context.Context, ref string, tail int, timestamps bool) (string, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: timestamps,
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	reader, err := d.client.ContainerLogs(ctx, ref, opts)
	if err != nil {
		return "", d.wrapNotFound(err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read logs: %w", err)
	}
	return stripDockerLogHeaders(data), nil
}

func stripDockerLogHeaders(data []byte) string {
	// Multiplexed format: [stream_type(1)][0(3)][size(4)][payload]
	var result strings.Builder
	for len(data) > 0 {
		if len(data) >= 8 && data[0] <= 2 && data[1] == 0 && data[2] == 0 && data[3] == 0 {
			size := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])
			data = data[8:]
			if size > 0 && size <= len(data) {
				result.Write(data[:size])
				data = data[size:]
				continue
			}
		}
		result.Write(data)
		break
	}
	return result.String()
}

var _ ContainerOrchestrator = (*DockerOrchestrator)(nil)
