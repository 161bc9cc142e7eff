package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/kilnrun/kiln/language"
	"github.com/kilnrun/kiln/support/config"
)

const (
	// Cluster labels carried by every pod the service owns.
	LabelManaged   = "kiln.dev/managed"
	LabelType      = "kiln.dev/type"
	LabelLanguage  = "kiln.dev/language"
	LabelSessionID = "kiln.dev/session-id"
	LabelIsolated  = "kiln.dev/network-isolated"

	// AnnotationCreatedAt records the creation instant as RFC3339. It is an
	// annotation because label values cannot contain colons.
	AnnotationCreatedAt = "kiln.dev/created-at"

	sidecarContainerName = "sidecar"
	runtimeContainerName = "runtime"

	workspaceVolume = "workspace"
	workspacePath   = "/workspace"
)

// Factory builds, awaits and deletes sandbox pods on the cluster.
type Factory struct {
	client kubernetes.Interface
	cfg    *config.Config
	log    logr.Logger
}

func NewFactory(client kubernetes.Interface, cfg *config.Config, log logr.Logger) *Factory {
	return &Factory{client: client, cfg: cfg, log: log.WithName("podfactory")}
}

// Create submits a two-container sandbox pod and waits until the sidecar
// reports ready and the pod has an IP. The returned handle is warm.
func (f *Factory) Create(ctx context.Context, lang language.Language, podType PodType, sessionID string) (*Handle, error) {
	pod := f.buildPod(lang, podType, sessionID)
	created, err := f.client.CoreV1().Pods(f.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("creating sandbox pod: %w", err)
	}

	ready, err := f.waitReady(ctx, created.Name)
	if err != nil {
		// Never leave a half-started pod behind.
		f.deleteByName(context.WithoutCancel(ctx), created.Name)
		return nil, fmt.Errorf("waiting for sandbox pod %s: %w", created.Name, err)
	}

	return &Handle{
		UID:       string(ready.UID),
		Name:      ready.Name,
		Namespace: ready.Namespace,
		Language:  lang.Code,
		PodIP:     ready.Status.PodIP,
		Status:    StatusWarm,
		CreatedAt: ready.CreationTimestamp.Time,
		SessionID: sessionID,
	}, nil
}

// Delete removes the pod behind a handle. A pod already gone is success;
// other errors are logged and swallowed so the handle can always be dropped
// from the in-memory maps.
func (f *Factory) Delete(ctx context.Context, handle *Handle) {
	f.deleteByName(ctx, handle.Name)
}

func (f *Factory) deleteByName(ctx context.Context, name string) {
	err := f.client.CoreV1().Pods(f.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: ptr.To(int64(0)),
	})
	if err != nil && !apierrors.IsNotFound(err) {
		f.log.Error(err, "deleting sandbox pod", "pod", name)
	}
}

// waitReady polls the pod until it is Running, has an IP, and the sidecar
// container reports ready.
func (f *Factory) waitReady(ctx context.Context, name string) (*corev1.Pod, error) {
	var pod *corev1.Pod
	err := wait.PollUntilContextTimeout(ctx, 500*time.Millisecond, f.cfg.PodReadyTimeout, true,
		func(ctx context.Context) (bool, error) {
			var err error
			pod, err = f.client.CoreV1().Pods(f.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				if apierrors.IsNotFound(err) {
					return false, nil
				}
				return false, err
			}
			if pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" {
				return false, nil
			}
			for _, cs := range pod.Status.ContainerStatuses {
				if cs.Name == sidecarContainerName {
					return cs.Ready, nil
				}
			}
			return false, nil
		})
	if err != nil {
		return nil, err
	}
	return pod, nil
}

func (f *Factory) buildPod(lang language.Language, podType PodType, sessionID string) *corev1.Pod {
	now := time.Now().UTC()
	labels := map[string]string{
		LabelManaged:  "true",
		LabelType:     string(podType),
		LabelLanguage: lang.Code,
	}
	if sessionID != "" {
		labels[LabelSessionID] = sessionID
	}
	if f.cfg.NetworkIsolated {
		labels[LabelIsolated] = "true"
	}

	sidecarEnv := []corev1.EnvVar{
		{Name: "SIDECAR_PORT", Value: strconv.Itoa(f.cfg.SidecarPort)},
		{Name: "LANGUAGE", Value: lang.Code},
		{Name: "WORKSPACE_DIR", Value: workspacePath},
	}
	if f.cfg.NetworkIsolated {
		for name, value := range lang.IsolatedEnv {
			sidecarEnv = append(sidecarEnv, corev1.EnvVar{Name: name, Value: value})
		}
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: fmt.Sprintf("kiln-%s-%s-", lang.Code, shortID()),
			Namespace:    f.cfg.Namespace,
			Labels:       labels,
			Annotations: map[string]string{
				AnnotationCreatedAt: now.Format(time.RFC3339),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                 corev1.RestartPolicyNever,
			TerminationGracePeriodSeconds: ptr.To(int64(5)),
			AutomountServiceAccountToken:  ptr.To(false),
			SecurityContext: &corev1.PodSecurityContext{
				RunAsNonRoot: ptr.To(true),
				RunAsUser:    ptr.To(lang.UserID),
				SeccompProfile: &corev1.SeccompProfile{
					Type: corev1.SeccompProfileType(f.cfg.SeccompProfileType),
				},
			},
			Containers: []corev1.Container{
				{
					Name:  sidecarContainerName,
					Image: f.cfg.SidecarImage,
					Env:   sidecarEnv,
					Ports: []corev1.ContainerPort{
						{Name: "http", ContainerPort: int32(f.cfg.SidecarPort)},
					},
					ReadinessProbe: &corev1.Probe{
						ProbeHandler: corev1.ProbeHandler{
							HTTPGet: &corev1.HTTPGetAction{
								Path: "/health",
								Port: intstr.FromInt(f.cfg.SidecarPort),
							},
						},
						InitialDelaySeconds: 1,
						PeriodSeconds:       2,
					},
					Resources:       f.sidecarResources(),
					SecurityContext: containerSecurityContext(),
					VolumeMounts: []corev1.VolumeMount{
						{Name: workspaceVolume, MountPath: workspacePath},
					},
				},
				{
					Name:            runtimeContainerName,
					Image:           lang.Image,
					ImagePullPolicy: corev1.PullPolicy(f.cfg.ImagePullPolicy),
					// The runtime container only provides the toolchain image;
					// the sidecar drives execution inside it.
					Command:         []string{"sleep", "infinity"},
					Resources:       f.runtimeResources(lang),
					SecurityContext: containerSecurityContext(),
					VolumeMounts: []corev1.VolumeMount{
						{Name: workspaceVolume, MountPath: workspacePath},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: workspaceVolume,
					VolumeSource: corev1.VolumeSource{
						EmptyDir: &corev1.EmptyDirVolumeSource{},
					},
				},
			},
		},
	}
}

func containerSecurityContext() *corev1.SecurityContext {
	return &corev1.SecurityContext{
		AllowPrivilegeEscalation: ptr.To(false),
		RunAsNonRoot:             ptr.To(true),
		Capabilities: &corev1.Capabilities{
			Drop: []corev1.Capability{"ALL"},
		},
	}
}

func (f *Factory) sidecarResources() corev1.ResourceRequirements {
	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(f.cfg.CPURequest),
			corev1.ResourceMemory: resource.MustParse(f.cfg.MemoryRequest),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(f.cfg.CPULimit),
			corev1.ResourceMemory: resource.MustParse(f.cfg.MemoryLimit),
		},
	}
}

// runtimeResources scales the configured memory ceiling by the language's
// multiplier so compiler-heavy toolchains get headroom.
func (f *Factory) runtimeResources(lang language.Language) corev1.ResourceRequirements {
	memLimit := resource.MustParse(f.cfg.MemoryLimit)
	if lang.MemoryMultiplier > 1 {
		memLimit = *resource.NewQuantity(
			int64(float64(memLimit.Value())*lang.MemoryMultiplier), resource.BinarySI)
	}
	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(f.cfg.CPURequest),
			corev1.ResourceMemory: resource.MustParse(f.cfg.MemoryRequest),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(f.cfg.CPULimit),
			corev1.ResourceMemory: memLimit,
		},
	}
}

func shortID() string {
	return uuid.NewString()[:8]
}
