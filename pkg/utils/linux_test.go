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
package utils

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecCommand_Success(t *testing.T) {
	output, err := ExecCommand(context.Background(), "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(output))
}

func TestExecCommand_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Nanosecond)
	defer cancel()

	_, err := ExecCommand(ctx, "sleep", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestExecCommand_CommandError(t *testing.T) {
	// `false` command always returns a non-zero exit status
	_, err := ExecCommand(context.Background(), "false")
	require.Error(t, err)
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/bash\n"), 0755))

	assert.True(t, FileExists(path))
	assert.False(t, FileExists(dir))
	assert.False(t, FileExists(filepath.Join(dir, "missing.sh")))
}

func TestGetenvInt(t *testing.T) {
	env := map[string]string{"RANK": "3", "BAD": "x"}
	getenv := func(k string) string { return env[k] }

	v, ok, err := GetenvInt(getenv, "RANK")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok, err = GetenvInt(getenv, "MISSING")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = GetenvInt(getenv, "BAD")
	assert.True(t, ok)
	assert.Error(t, err)
}

func TestSetupLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "bertbench.log")
	require.NoError(t, SetupLogger(LogOptions{Level: "debug", File: path}))
	defer InitLogger(logrus.InfoLevel, false)

	_, err := os.Stat(filepath.Dir(path))
	assert.NoError(t, err)

	assert.Error(t, SetupLogger(LogOptions{Level: "loud"}))
}
