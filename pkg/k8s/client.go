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
package k8s

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/scitix/bertbench/consts"
	"github.com/scitix/bertbench/pkg/utils"

	"github.com/sirupsen/logrus"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

var (
	k8sClient     *K8sClient
	k8sClientErr  error
	k8sClientOnce sync.Once
)

type K8sClient struct {
	kubeconfig string

	client kubernetes.Interface
}

// NewClient returns the process-wide client. In-cluster configuration wins;
// otherwise kubeconfig, $KUBECONFIG or the kubelet config is used in that order.
func NewClient(kubeconfig string) (*K8sClient, error) {
	k8sClientOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				k8sClientErr = fmt.Errorf("panic occurred: %v", r)
			}
		}()
		var cfg *rest.Config
		var err error
		if utils.IsRunningInKubernetes() {
			cfg, err = rest.InClusterConfig()
			if err != nil {
				logrus.Warnf("build in-cluster kubeconfig failed (non-K8s environment?): %v", err)
				k8sClientErr = err
				return
			}
		} else {
			if kubeconfig == "" {
				kubeconfig = os.Getenv("KUBECONFIG")
			}
			if kubeconfig == "" {
				kubeconfig = consts.KubeConfigPath
			}
			cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
			if err != nil {
				logrus.Warnf("get kubeconfig failed (non-K8s environment?): %v", err)
				k8sClientErr = err
				return
			}
		}

		cli, err := kubernetes.NewForConfig(cfg)
		if err != nil {
			logrus.Warnf("NewForConfig failed (non-K8s environment?): %v", err)
			k8sClientErr = err
			return
		}
		k8sClient = &K8sClient{
			kubeconfig: kubeconfig,
			client:     cli,
		}
	})
	if k8sClientErr != nil {
		return nil, k8sClientErr
	}
	return k8sClient, nil
}

// NewClientFromInterface wraps an existing clientset, e.g. a fake one in tests.
func NewClientFromInterface(cs kubernetes.Interface) *K8sClient {
	return &K8sClient{client: cs}
}

func (kc *K8sClient) Clientset() kubernetes.Interface {
	return kc.client
}

func (kc *K8sClient) ListPods(ctx context.Context, namespace, labelSelector string) ([]v1.Pod, error) {
	pods, err := kc.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return nil, fmt.Errorf("list pods in %s (%s): %w", namespace, labelSelector, err)
	}
	return pods.Items, nil
}

// CopyPodLogs streams the full log of a pod container into w.
func (kc *K8sClient) CopyPodLogs(ctx context.Context, namespace, podName, containerName string, w io.Writer) (int64, error) {
	req := kc.client.CoreV1().Pods(namespace).GetLogs(podName, &v1.PodLogOptions{
		Container: containerName,
	})
	podLogs, err := req.Stream(ctx)
	if err != nil {
		return 0, fmt.Errorf("stream logs of %s/%s: %w", namespace, podName, err)
	}
	defer podLogs.Close()
	return io.Copy(w, podLogs)
}
