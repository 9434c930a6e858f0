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
package command

import (
	"bytes"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runVersion(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewVersionCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestGetBuildInfo_Release(t *testing.T) {
	defer func(major, minor, patch, commit string) {
		Major, Minor, Patch, GitCommit = major, minor, patch, commit
	}(Major, Minor, Patch, GitCommit)
	Major, Minor, Patch, GitCommit = "1", "2", "3", "0123456789abcdef"

	info := GetBuildInfo()
	assert.Equal(t, "v1.2.3", info.Version)
	assert.Equal(t, "0123456789abcdef", info.GitCommit)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestGetBuildInfo_Dev(t *testing.T) {
	defer func(commit string) { GitCommit = commit }(GitCommit)
	GitCommit = "0123456789abcdef"

	info := GetBuildInfo()
	assert.Equal(t, "dev-0123456789ab", info.Version)
}

func TestVersionCmd(t *testing.T) {
	out, err := runVersion(t)
	require.NoError(t, err)
	assert.Contains(t, out, "Go Version: "+runtime.Version())

	out, err = runVersion(t, "--short")
	require.NoError(t, err)
	assert.Equal(t, GetBuildInfo().Version, strings.TrimSpace(out))

	out, err = runVersion(t, "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "platform: "+runtime.GOOS+"/"+runtime.GOARCH)

	_, err = runVersion(t, "-o", "xml")
	assert.Error(t, err)
}
