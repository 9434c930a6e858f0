/*
Copyright 2024 The Scitix Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/scitix/bertbench/consts"
	"github.com/scitix/bertbench/pkg/k8s"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
)

const (
	scriptVolume   = "script"
	scriptMount    = "/opt/bertbench"
	scriptKey      = "run.sh"
	jobContainer   = "train"
	jobNameMaxLen  = 52
	logCopyTimeout = 2 * time.Minute
)

// Kubernetes runs each job as a batch/v1 Job whose script is shipped in a ConfigMap.
// Pod logs are copied into the job's log file once the Job is terminal.
type Kubernetes struct {
	Namespace string
	Image     string

	client *k8s.K8sClient

	mu     sync.Mutex
	copied map[string]bool
}

func NewKubernetes(client *k8s.K8sClient, namespace, image string) *Kubernetes {
	if namespace == "" {
		namespace = consts.DefaultNamespace
	}
	if image == "" {
		image = consts.DefaultJobImage
	}
	return &Kubernetes{Namespace: namespace, Image: image, client: client, copied: make(map[string]bool)}
}

func (k *Kubernetes) Name() string { return consts.SchedulerKubernetes }

func (k *Kubernetes) Submit(ctx context.Context, job TrainingJob) (JobHandle, error) {
	script, err := os.ReadFile(job.ScriptPath)
	if err != nil {
		return JobHandle{}, fmt.Errorf("read script: %w", err)
	}
	name := jobName(job.Label)
	labels := map[string]string{consts.JobLabelKey: name}
	cs := k.client.Clientset()

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: k.Namespace, Labels: labels},
		Data:       map[string]string{scriptKey: string(script)},
	}
	if _, err := cs.CoreV1().ConfigMaps(k.Namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		return JobHandle{}, fmt.Errorf("create configmap %s: %w", name, err)
	}

	env := make([]corev1.EnvVar, 0, len(job.Env))
	for key, v := range job.Env {
		env = append(env, corev1.EnvVar{Name: key, Value: v})
	}
	kjob := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   k.Namespace,
			Labels:      labels,
			Annotations: map[string]string{consts.JobLabelKey + "/label": job.Label},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: ptr.To[int32](0),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:       jobContainer,
						Image:      k.Image,
						Command:    append([]string{"bash", scriptMount + "/" + scriptKey}, job.Args...),
						Env:        env,
						WorkingDir: scriptMount,
						VolumeMounts: []corev1.VolumeMount{{
							Name:      scriptVolume,
							MountPath: scriptMount,
						}},
					}},
					Volumes: []corev1.Volume{{
						Name: scriptVolume,
						VolumeSource: corev1.VolumeSource{
							ConfigMap: &corev1.ConfigMapVolumeSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: name},
							},
						},
					}},
				},
			},
		},
	}
	if _, err := cs.BatchV1().Jobs(k.Namespace).Create(ctx, kjob, metav1.CreateOptions{}); err != nil {
		_ = cs.CoreV1().ConfigMaps(k.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
		return JobHandle{}, fmt.Errorf("create job %s: %w", name, err)
	}
	return JobHandle{
		ID:          name,
		Label:       job.Label,
		Scheduler:   k.Name(),
		LogPath:     job.LogPath,
		SubmittedAt: time.Now(),
	}, nil
}

func (k *Kubernetes) Poll(ctx context.Context, h JobHandle) (JobState, error) {
	kjob, err := k.client.Clientset().BatchV1().Jobs(k.Namespace).Get(ctx, h.ID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return JobUnknown, fmt.Errorf("job %s/%s not found", k.Namespace, h.ID)
		}
		return JobUnknown, err
	}
	st := k8sJobState(kjob)
	if st.Terminal() {
		if err := k.collectLogs(ctx, h); err != nil {
			// Report the job as still running so the next poll retries the copy.
			return JobRunning, err
		}
	}
	return st, nil
}

func (k *Kubernetes) Cancel(ctx context.Context, h JobHandle) error {
	cs := k.client.Clientset()
	policy := metav1.DeletePropagationBackground
	err := cs.BatchV1().Jobs(k.Namespace).Delete(ctx, h.ID, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	if err := cs.CoreV1().ConfigMaps(k.Namespace).Delete(ctx, h.ID, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return nil
}

func (k *Kubernetes) collectLogs(ctx context.Context, h JobHandle) error {
	k.mu.Lock()
	done := k.copied[h.ID]
	k.mu.Unlock()
	if done {
		return nil
	}

	pods, err := k.client.ListPods(ctx, k.Namespace, consts.JobLabelKey+"="+h.ID)
	if err != nil {
		return err
	}
	if len(pods) == 0 {
		return fmt.Errorf("no pods for job %s", h.ID)
	}
	if err := os.MkdirAll(filepath.Dir(h.LogPath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(h.LogPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	cctx, cancel := context.WithTimeout(ctx, logCopyTimeout)
	defer cancel()
	var errs []error
	for _, pod := range pods {
		n, err := k.client.CopyPodLogs(cctx, k.Namespace, pod.Name, jobContainer, f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		logrus.WithField("component", consts.ComponentNameDispatcher).WithField("job", h.Label).
			Debugf("copied %d bytes of logs from pod %s", n, pod.Name)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	k.mu.Lock()
	k.copied[h.ID] = true
	k.mu.Unlock()
	return nil
}

func k8sJobState(j *batchv1.Job) JobState {
	for _, c := range j.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return JobSucceeded
		case batchv1.JobFailed:
			return JobFailed
		}
	}
	switch {
	case j.Status.Succeeded > 0:
		return JobSucceeded
	case j.Status.Failed > 0:
		return JobFailed
	case j.Status.Active > 0:
		return JobRunning
	default:
		return JobPending
	}
}

// jobName derives a DNS-1123 name from the label with a random suffix.
func jobName(label string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	base := strings.Trim(b.String(), "-")
	if base == "" {
		base = "job"
	}
	base = "bertbench-" + base
	if len(base) > jobNameMaxLen {
		base = strings.TrimRight(base[:jobNameMaxLen], "-")
	}
	return base + "-" + uuid.NewString()[:8]
}
