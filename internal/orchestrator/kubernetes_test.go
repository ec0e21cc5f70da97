package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/joshcassell4/docorcpty/internal/config"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
)

func TestBuildDeployment(t *testing.T) {
	params := CreateParams{
		Name:        "dev-box",
		Image:       "python:3.12",
		Command:     []string{"sleep", "infinity"},
		WorkingDir:  "/workspace",
		Env:         map[string]string{"B": "2", "A": "1"},
		Volumes:     []string{"/srv/code:/workspace:ro", "cache:/cache"},
		Ports:       []string{"8080:80"},
		MemoryLimit: "512m",
		CPULimit:    "1.5",
		Template:    "python",
	}

	dep, err := buildDeployment(params, "docorc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dep.Namespace != "docorc" || dep.Name != "dev-box" {
		t.Errorf("unexpected metadata %s/%s", dep.Namespace, dep.Name)
	}
	if dep.Spec.Selector.MatchLabels["app"] != "dev-box" {
		t.Errorf("unexpected selector %v", dep.Spec.Selector.MatchLabels)
	}
	if dep.Spec.Template.Labels[labelTemplate] != "python" {
		t.Errorf("pod template should carry template label, got %v", dep.Spec.Template.Labels)
	}

	c := dep.Spec.Template.Spec.Containers[0]
	if !c.TTY || !c.Stdin {
		t.Error("container should keep a TTY and stdin open")
	}
	if len(c.Env) != 2 || c.Env[0].Name != "A" {
		t.Errorf("unexpected env %v", c.Env)
	}
	if len(c.Ports) != 1 || c.Ports[0].ContainerPort != 80 || c.Ports[0].Protocol != corev1.ProtocolTCP {
		t.Errorf("unexpected ports %v", c.Ports)
	}
	mem := c.Resources.Limits[corev1.ResourceMemory]
	if mem.Cmp(*resource.NewQuantity(512*1024*1024, resource.BinarySI)) != 0 {
		t.Errorf("unexpected memory limit %s", mem.String())
	}
	cpu := c.Resources.Limits[corev1.ResourceCPU]
	if cpu.MilliValue() != 1500 {
		t.Errorf("expected 1500m cpu, got %dm", cpu.MilliValue())
	}

	vols := dep.Spec.Template.Spec.Volumes
	if len(vols) != 2 || vols[0].HostPath == nil || vols[1].EmptyDir == nil {
		t.Errorf("unexpected volumes %+v", vols)
	}
	if !c.VolumeMounts[0].ReadOnly || c.VolumeMounts[0].MountPath != "/workspace" {
		t.Errorf("unexpected mount %+v", c.VolumeMounts[0])
	}
}

func TestBuildDeploymentRejectsBadVolume(t *testing.T) {
	if _, err := buildDeployment(CreateParams{Name: "x", Image: "y", Volumes: []string{"nope"}}, "ns"); err == nil {
		t.Fatal("expected error for malformed volume")
	}
}

func newFakeK8s(t *testing.T, objects ...runtime.Object) *KubernetesOrchestrator {
	t.Helper()
	config.Cfg.K8sNamespace = "docorc"
	return &KubernetesOrchestrator{clientset: fake.NewSimpleClientset(objects...), available: true}
}

func runningPodObject(name, app string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "docorc", Labels: map[string]string{"app": app}},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			ContainerStatuses: []corev1.ContainerStatus{{
				Name:  "main",
				State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}},
			}},
		},
	}
}

func TestKubernetesIsRunning(t *testing.T) {
	pending := runningPodObject("pending-1", "slow")
	pending.Status.Phase = corev1.PodPending

	k := newFakeK8s(t, runningPodObject("box-1", "box"), pending)
	ctx := context.Background()

	if ok, err := k.IsRunning(ctx, "box"); err != nil || !ok {
		t.Errorf("expected box to be running, got %v %v", ok, err)
	}
	if ok, _ := k.IsRunning(ctx, "slow"); ok {
		t.Error("pending pod should not count as running")
	}
	if ok, _ := k.IsRunning(ctx, "missing"); ok {
		t.Error("missing app should not be running")
	}
}

func TestKubernetesLifecycle(t *testing.T) {
	k := newFakeK8s(t)
	ctx := context.Background()

	if _, err := k.CreateContainer(ctx, CreateParams{Name: "box", Image: "alpine"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	list, err := k.ListContainers(ctx, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "box" || list[0].Image != "alpine" {
		t.Fatalf("unexpected list %+v", list)
	}
	if list[0].Status != "creating" {
		t.Errorf("expected creating before pods are ready, got %s", list[0].Status)
	}

	if running, _ := k.ListContainers(ctx, false); len(running) != 0 {
		t.Errorf("expected no running containers, got %d", len(running))
	}

	if err := k.RemoveContainer(ctx, "box"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := k.RemoveContainer(ctx, "box"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second remove, got %v", err)
	}
	if _, err := k.InspectContainer(ctx, "box"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on inspect, got %v", err)
	}
}

func TestDeploymentInfoStatus(t *testing.T) {
	zero := int32(0)
	one := int32(1)
	tests := []struct {
		name     string
		replicas *int32
		ready    int32
		want     string
	}{
		{"stopped", &zero, 0, "stopped"},
		{"running", &one, 1, "running"},
		{"creating", &one, 0, "creating"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dep := &appsv1.Deployment{
				ObjectMeta: metav1.ObjectMeta{Name: "box"},
				Spec:       appsv1.DeploymentSpec{Replicas: tt.replicas},
				Status:     appsv1.DeploymentStatus{ReadyReplicas: tt.ready},
			}
			if got := deploymentInfo(dep).Status; got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestKubernetesStatsUnsupported(t *testing.T) {
	k := newFakeK8s(t)
	if _, err := k.ContainerStats(context.Background(), "box"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}
