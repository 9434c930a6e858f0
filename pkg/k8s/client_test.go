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
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestListPodsAndCopyLogs(t *testing.T) {
	ctx := context.Background()
	cs := fake.NewSimpleClientset(
		&v1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "bench-0", Namespace: "ml", Labels: map[string]string{"job-name": "bench"}}},
		&v1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "other", Namespace: "ml"}},
	)
	client := NewClientFromInterface(cs)

	pods, err := client.ListPods(ctx, "ml", "job-name=bench")
	require.NoError(t, err)
	require.Len(t, pods, 1)
	assert.Equal(t, "bench-0", pods[0].Name)

	var buf bytes.Buffer
	n, err := client.CopyPodLogs(ctx, "ml", "bench-0", "", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	// the fake clientset serves a fixed body
	assert.Equal(t, "fake logs", buf.String())
}
