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

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// gpuCount is swapped in tests.
var gpuCount = nvmlDeviceCount

func nvmlDeviceCount() (int, error) {
	nvmlInst := nvml.New()
	if ret := nvmlInst.Init(); ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to initialize NVML: %v", nvml.ErrorString(ret))
	}
	defer nvmlInst.Shutdown()

	count, ret := nvmlInst.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to get device count: %v", nvml.ErrorString(ret))
	}
	return count, nil
}

// checkNCCL verifies that this host can back an nccl group for localRank.
func checkNCCL(localRank int) error {
	count, err := gpuCount()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("no GPU visible to NVML")
	}
	if localRank >= count {
		return fmt.Errorf("local rank %d has no GPU, only %d visible", localRank, count)
	}
	return nil
}
