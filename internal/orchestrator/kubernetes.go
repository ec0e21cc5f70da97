package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/joshcassell4/docorcpty/internal/config"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/util/homedir"
)

// KubernetesOrchestrator maps a container reference to a single-replica
// Deployment labelled app=<ref>; terminals attach to its first running pod.
type KubernetesOrchestrator struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
	available  bool
}

func (k *KubernetesOrchestrator) Initialize(ctx context.Context) error {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		if home := homedir.HomeDir(); home != "" && kubeconfig == "" {
			kubeconfig = home + "/.kube/config"
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return fmt.Errorf("k8s config: %w", err)
		}
	}

	k.restConfig = cfg
	k.clientset, err = kubernetes.NewForConfig(cfg)
	if err != nil {
		return fmt.Errorf("k8s clientset: %w", err)
	}

	if _, err = k.clientset.CoreV1().Namespaces().Get(ctx, k.ns(), metav1.GetOptions{}); err != nil {
		return fmt.Errorf("k8s namespace check: %w", err)
	}

	k.available = true
	return nil
}

func (k *KubernetesOrchestrator) IsAvailable(_ context.Context) bool {
	return k.available
}

func (k *KubernetesOrchestrator) BackendName() string {
	return "kubernetes"
}

func (k *KubernetesOrchestrator) ns() string {
	return config.Cfg.K8sNamespace
}

func (k *KubernetesOrchestrator) IsRunning(ctx context.Context, ref string) (bool, error) {
	pod, err := k.runningPod(ctx, ref)
	if err != nil {
		return false, err
	}
	return pod != "", nil
}

// runningPod returns the name of the first pod for ref whose containers are
// all running, or "" when there is none.
func (k *KubernetesOrchestrator) runningPod(ctx context.Context, ref string) (string, error) {
	pods, err := k.clientset.CoreV1().Pods(k.ns()).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("app=%s", ref),
	})
	if err != nil {
		return "", fmt.Errorf("list pods: %w", err)
	}
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil {
			continue
		}
		running := len(pod.Status.ContainerStatuses) > 0
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Running == nil {
				running = false
			}
		}
		if running {
			return pod.Name, nil
		}
	}
	return "", nil
}

// termSizeQueue implements remotecommand.TerminalSizeQueue via a channel.
type termSizeQueue struct {
	ch   chan remotecommand.TerminalSize
	done <-chan struct{}
}

func (q *termSizeQueue) Next() *remotecommand.TerminalSize {
	select {
	case size := <-q.ch:
		return &size
	case <-q.done:
		return nil
	}
}

func (k *KubernetesOrchestrator) AttachPTY(ctx context.Context, ref string, cmd []string, rows, cols uint16) (*ExecSession, error) {
	podName, err := k.runningPod(ctx, ref)
	if err != nil {
		return nil, err
	}
	if podName == "" {
		return nil, fmt.Errorf("no running pod found for %s", ref)
	}

	req := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(k.ns()).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Command: cmd,
			Stdin:   true,
			Stdout:  true,
			Stderr:  false,
			TTY:     true,
		}, scheme.ParameterCodec)

	exec, err := remotecommand.NewSPDYExecutor(k.restConfig, "POST", req.URL())
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	sizeCh := make(chan remotecommand.TerminalSize, 1)
	sizeCh <- remotecommand.TerminalSize{Width: cols, Height: rows}

	// The stream outlives the request that created it; Close cancels it.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	go func() {
		err := exec.StreamWithContext(streamCtx, remotecommand.StreamOptions{
			Stdin:             stdinR,
			Stdout:            stdoutW,
			Tty:               true,
			TerminalSizeQueue: &termSizeQueue{ch: sizeCh, done: streamCtx.Done()},
		})
		if err != nil && streamCtx.Err() == nil {
			log.Printf("[orchestrator] k8s exec stream for %s ended: %v", podName, err)
		}
		stdoutW.CloseWithError(io.EOF)
	}()

	closed := make(chan struct{})
	return &ExecSession{
		Stdin:  stdinW,
		Stdout: stdoutR,
		Resize: func(cols, rows uint16) error {
			select {
			case <-closed:
				return io.ErrClosedPipe
			default:
			}
			// Drop any pending size so the newest one is always delivered.
			select {
			case <-sizeCh:
			default:
			}
			select {
			case sizeCh <- remotecommand.TerminalSize{Width: cols, Height: rows}:
			default:
			}
			return nil
		},
		Close: onceCloser(func() error {
			close(closed)
			cancel()
			stdinW.Close()
			stdoutR.Close()
			return nil
		}),
	}, nil
}

func (k *KubernetesOrchestrator) CreateContainer(ctx context.Context, params CreateParams) (string, error) {
	dep, err := buildDeployment(params, k.ns())
	if err != nil {
		return "", err
	}
	created, err := k.clientset.AppsV1().Deployments(k.ns()).Create(ctx, dep, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("create deployment: %w", err)
	}
	return string(created.UID), nil
}

func (k *KubernetesOrchestrator) StartContainer(ctx context.Context, ref string) error {
	return k.scaleDeployment(ctx, ref, 1)
}

func (k *KubernetesOrchestrator) StopContainer(ctx context.Context, ref string) error {
	return k.scaleDeployment(ctx, ref, 0)
}

func (k *KubernetesOrchestrator) RestartContainer(ctx context.Context, ref string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	patch := fmt.Sprintf(`{"spec":{"template":{"metadata":{"annotations":{"kubectl.kubernetes.io/restartedAt":"%s"}}}}}`, now)
	_, err := k.clientset.AppsV1().Deployments(k.ns()).Patch(
		ctx, ref, "application/strategic-merge-patch+json", []byte(patch), metav1.PatchOptions{},
	)
	return k.wrapNotFound(err)
}

func (k *KubernetesOrchestrator) RemoveContainer(ctx context.Context, ref string) error {
	err := k.clientset.AppsV1().Deployments(k.ns()).Delete(ctx, ref, metav1.DeleteOptions{})
	return k.wrapNotFound(err)
}

func (k *KubernetesOrchestrator) wrapNotFound(err error) error {
	if err != nil && errors.IsNotFound(err) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func (k *KubernetesOrchestrator) ListContainers(ctx context.Context, all bool) ([]ContainerInfo, error) {
	deps, err := k.clientset.AppsV1().Deployments(k.ns()).List(ctx, metav1.ListOptions{
		LabelSelector: "managed-by=" + labelManagedBy,
	})
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	out := make([]ContainerInfo, 0, len(deps.Items))
	for i := range deps.Items {
		info := deploymentInfo(&deps.Items[i])
		if !all && !info.Running {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (k *KubernetesOrchestrator) InspectContainer(ctx context.Context, ref string) (*ContainerInfo, error) {
	dep, err := k.clientset.AppsV1().Deployments(k.ns()).Get(ctx, ref, metav1.GetOptions{})
	if err != nil {
		return nil, k.wrapNotFound(err)
	}
	info := deploymentInfo(dep)
	return &info, nil
}

func deploymentInfo(dep *appsv1.Deployment) ContainerInfo {
	info := ContainerInfo{
		ID:       string(dep.UID),
		Name:     dep.Name,
		Created:  dep.CreationTimestamp.Time.UTC(),
		Labels:   dep.Labels,
		Template: dep.Labels[labelTemplate],
	}
	if cs := dep.Spec.Template.Spec.Containers; len(cs) > 0 {
		info.Image = cs[0].Image
		for _, p := range cs[0].Ports {
			info.Ports = append(info.Ports, fmt.Sprintf("%d/%s", p.ContainerPort, strings.ToLower(string(p.Protocol))))
		}
	}
	switch {
	case dep.Spec.Replicas != nil && *dep.Spec.Replicas == 0:
		info.Status = "stopped"
	case dep.Status.ReadyReplicas > 0:
		info.Status = "running"
		info.Running = true
	default:
		info.Status = "creating"
	}
	return info
}

func (k *KubernetesOrchestrator) ContainerStats(_ context.Context, _ string) (*ContainerStats, error) {
	return nil, fmt.Errorf("container stats: %w", ErrUnsupported)
}

func (k *KubernetesOrchestrator) ContainerLogs(ctx context.Context, ref string, tail int, timestamps bool) (string, error) {
	podName, err := k.runningPod(ctx, ref)
	if err != nil {
		return "", err
	}
	if podName == "" {
		return "", fmt.Errorf("%w: no running pod for %s", ErrNotFound, ref)
	}
	opts := &corev1.PodLogOptions{Timestamps: timestamps}
	if tail > 0 {
		lines := int64(tail)
		opts.TailLines = &lines
	}
	data, err := k.clientset.CoreV1().Pods(k.ns()).GetLogs(podName, opts).DoRaw(ctx)
	if err != nil {
		return "", fmt.Errorf("pod logs: %w", err)
	}
	return string(data), nil
}

func (k *KubernetesOrchestrator) scaleDeployment(ctx context.Context, name string, replicas int32) error {
	patch := fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas)
	_, err := k.clientset.AppsV1().Deployments(k.ns()).Patch(
		ctx, name, "application/strategic-merge-patch+json", []byte(patch), metav1.PatchOptions{},
	)
	return k.wrapNotFound(err)
}

// --- Resource builders ---

func buildDeployment(params CreateParams, ns string) (*appsv1.Deployment, error) {
	replicas := int32(1)
	labels := managedLabels(params)

	var env []corev1.EnvVar
	for _, kv := range envList(params.Env) {
		name, value, _ := strings.Cut(kv, "=")
		env = append(env, corev1.EnvVar{Name: name, Value: value})
	}

	exposed, _, err := nat.ParsePortSpecs(params.Ports)
	if err != nil {
		return nil, fmt.Errorf("parse ports: %w", err)
	}
	var ports []corev1.ContainerPort
	for p := range exposed {
		proto := corev1.ProtocolTCP
		if p.Proto() == "udp" {
			proto = corev1.ProtocolUDP
		}
		ports = append(ports, corev1.ContainerPort{ContainerPort: int32(p.Int()), Protocol: proto})
	}

	limits := corev1.ResourceList{}
	if params.MemoryLimit != "" {
		mem, err := parseMemoryToBytes(params.MemoryLimit)
		if err != nil {
			return nil, err
		}
		limits[corev1.ResourceMemory] = *resource.NewQuantity(mem, resource.BinarySI)
	}
	if params.CPULimit != "" {
		limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(parseCPUToNanoCPUs(params.CPULimit)/1_000_000, resource.DecimalSI)
	}

	var mounts []corev1.VolumeMount
	var volumes []corev1.Volume
	for i, spec := range params.Volumes {
		v, err := parseVolumeSpec(spec)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("vol-%d", i)
		mounts = append(mounts, corev1.VolumeMount{Name: name, MountPath: v.Target, ReadOnly: v.ReadOnly})
		src := corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}
		if v.Bind {
			src = corev1.VolumeSource{HostPath: &corev1.HostPathVolumeSource{Path: v.Source}}
		}
		volumes = append(volumes, corev1.Volume{Name: name, VolumeSource: src})
	}

	privileged := params.Privileged
	readOnly := params.ReadOnly

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      params.Name,
			Namespace: ns,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": params.Name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:       "main",
						Image:      params.Image,
						Command:    params.Command,
						WorkingDir: params.WorkingDir,
						Env:        env,
						Ports:      ports,
						Stdin:      true,
						TTY:        true,
						SecurityContext: &corev1.SecurityContext{
							Privileged:             &privileged,
							ReadOnlyRootFilesystem: &readOnly,
						},
						Resources:    corev1.ResourceRequirements{Limits: limits},
						VolumeMounts: mounts,
					}},
					Volumes: volumes,
				},
			},
		},
	}, nil
}

var _ ContainerOrchestrator = (*KubernetesOrchestrator)(nil)
