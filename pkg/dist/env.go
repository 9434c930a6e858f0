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
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/scitix/bertbench/consts"
	"github.com/scitix/bertbench/pkg/utils"
)

// rendezvous is what a rank learns about its cohort from the environment.
type rendezvous struct {
	addr      string
	port      int
	rank      int
	world     int
	localRank int
	ifname    string
}

func (r rendezvous) target() string {
	return net.JoinHostPort(r.addr, strconv.Itoa(r.port))
}

func lookupInt(getenv func(string) string, keys ...string) (int, string, error) {
	for _, key := range keys {
		v, ok, err := utils.GetenvInt(getenv, key)
		if err != nil {
			return 0, key, fmt.Errorf("%s is not an integer: %w", key, err)
		}
		if ok {
			return v, key, nil
		}
	}
	return 0, "", fmt.Errorf("none of %s is set", strings.Join(keys, ", "))
}

// discover reads torch-style env:// variables, falling back to the Slurm task layout.
func discover(getenv func(string) string) (rendezvous, error) {
	var r rendezvous
	var err error

	if r.rank, _, err = lookupInt(getenv, consts.EnvRank, consts.EnvSlurmProcID); err != nil {
		return r, err
	}
	if r.world, _, err = lookupInt(getenv, consts.EnvWorldSize, consts.EnvSlurmNTasks); err != nil {
		return r, err
	}
	if r.world <= 0 {
		return r, fmt.Errorf("world size %d must be positive", r.world)
	}
	if r.rank < 0 || r.rank >= r.world {
		return r, fmt.Errorf("rank %d outside [0, %d)", r.rank, r.world)
	}

	r.addr = strings.TrimSpace(getenv(consts.EnvMasterAddr))
	if r.addr == "" {
		return r, fmt.Errorf("%s is not set", consts.EnvMasterAddr)
	}
	if r.port, _, err = lookupInt(getenv, consts.EnvMasterPort); err != nil {
		return r, err
	}
	if r.port <= 0 || r.port > 65535 {
		return r, fmt.Errorf("%s %d is not a valid port", consts.EnvMasterPort, r.port)
	}

	lr, ok, err := utils.GetenvInt(getenv, consts.EnvLocalRank)
	if err != nil {
		return r, fmt.Errorf("%s is not an integer: %w", consts.EnvLocalRank, err)
	}
	if ok {
		r.localRank = lr
	}
	r.ifname = strings.TrimSpace(getenv(consts.EnvGlooSocketIfce))
	return r, nil
}
