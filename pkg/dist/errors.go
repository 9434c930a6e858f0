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
package dist

import (
	"errors"
	"fmt"

	"github.com/scitix/bertbench/consts"
)

// InitializationError reports a failed bootstrap: incomplete rendezvous
// environment, an unavailable backend, or a rendezvous that never completed.
type InitializationError struct {
	Backend string
	Reason  string
	Err     error
}

func (e *InitializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: init %s backend: %s: %v", consts.ComponentNameDist, e.Backend, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: init %s backend: %s", consts.ComponentNameDist, e.Backend, e.Reason)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// PeerUnavailableError is returned to every surviving rank once a collective
// timed out or a peer aborted the cohort. The group is unusable afterwards.
type PeerUnavailableError struct {
	Rank int
	Op   string
	Seq  uint64
	Err  error
}

func (e *PeerUnavailableError) Error() string {
	return fmt.Sprintf("%s: rank %d: %s #%d: peers unavailable: %v", consts.ComponentNameDist, e.Rank, e.Op, e.Seq, e.Err)
}

func (e *PeerUnavailableError) Unwrap() error {
	return e.Err
}

func IsPeerUnavailable(err error) bool {
	var perr *PeerUnavailableError
	return errors.As(err, &perr)
}

var errInvalid = errors.New("invalid collective request")

// cohortAbort is the coordinator-side record of the first abort.
type cohortAbort struct {
	Rank   int
	Reason string
}

func (e *cohortAbort) Error() string {
	return fmt.Sprintf("cohort aborted by rank %d: %s", e.Rank, e.Reason)
}
