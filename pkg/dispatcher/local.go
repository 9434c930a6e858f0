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
	"os/exec"
	"sync"
	"time"

	"github.com/scitix/bertbench/consts"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Local runs each job as a bash subprocess on this host with stdout and stderr
// appended to the job's log file.
type Local struct {
	// Shell defaults to bash.
	Shell string

	mu   sync.Mutex
	jobs map[string]*localJob
}

type localJob struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewLocal() *Local {
	return &Local{Shell: "bash", jobs: make(map[string]*localJob)}
}

func (l *Local) Name() string { return consts.SchedulerLocal }

func (l *Local) Submit(ctx context.Context, job TrainingJob) (JobHandle, error) {
	if err := ctx.Err(); err != nil {
		return JobHandle{}, err
	}
	logFile, err := os.OpenFile(job.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return JobHandle{}, fmt.Errorf("open log: %w", err)
	}

	// The job outlives the submitting context.
	jctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(jctx, l.shell(), append([]string{job.ScriptPath}, job.Args...)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	for k, v := range job.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		logFile.Close()
		return JobHandle{}, fmt.Errorf("start %s: %w", job.ScriptPath, err)
	}

	id := uuid.NewString()
	lj := &localJob{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	l.mu.Lock()
	l.jobs[id] = lj
	l.mu.Unlock()

	go func() {
		lj.err = cmd.Wait()
		logFile.Close()
		cancel()
		if lj.err != nil {
			logrus.WithField("component", consts.ComponentNameDispatcher).WithField("job", job.Label).
				Warnf("local job %s exited: %v", id, lj.err)
		}
		close(lj.done)
	}()

	return JobHandle{
		ID:          id,
		Label:       job.Label,
		Scheduler:   l.Name(),
		LogPath:     job.LogPath,
		SubmittedAt: time.Now(),
	}, nil
}

func (l *Local) Poll(ctx context.Context, h JobHandle) (JobState, error) {
	lj, err := l.lookup(h.ID)
	if err != nil {
		return JobUnknown, err
	}
	select {
	case <-lj.done:
		if lj.err != nil {
			return JobFailed, nil
		}
		return JobSucceeded, nil
	default:
		return JobRunning, nil
	}
}

func (l *Local) Cancel(ctx context.Context, h JobHandle) error {
	lj, err := l.lookup(h.ID)
	if err != nil {
		return err
	}
	lj.cancel()
	select {
	case <-lj.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitError returns the wait error of a finished job, nil while it is running.
func (l *Local) ExitError(h JobHandle) error {
	lj, err := l.lookup(h.ID)
	if err != nil {
		return err
	}
	select {
	case <-lj.done:
		return lj.err
	default:
		return nil
	}
}

func (l *Local) lookup(id string) (*localJob, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lj, ok := l.jobs[id]
	if !ok {
		return nil, errors.New("unknown local job " + id)
	}
	return lj, nil
}

func (l *Local) shell() string {
	if l.Shell == "" {
		return "bash"
	}
	return l.Shell
}
