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
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/scitix/bertbench/cmd/command"
	"github.com/scitix/bertbench/cmd/command/component"
	"github.com/scitix/bertbench/consts"
	"github.com/scitix/bertbench/pkg/utils"
)

func main() {
	rootCmd := command.NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	if len(component.StageStatuses) > 1 {
		printStageStatuses()
	}
	if !isAllPassed() {
		os.Exit(-1)
	} else {
		os.Exit(0)
	}
}

func isAllPassed() bool {
	component.StatusMutex.Lock()
	defer component.StatusMutex.Unlock()
	for _, passed := range component.StageStatuses {
		if !passed {
			return false
		}
	}
	return true
}

func printStageStatuses() {
	component.StatusMutex.Lock()
	defer component.StatusMutex.Unlock()
	stages := make([]string, 0, len(component.StageStatuses))
	for stage := range component.StageStatuses {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	utils.FprintTitle(os.Stderr, "Summary", "-")
	for _, stage := range stages {
		statusStr := fmt.Sprintf("%s%s%s", consts.Green, "PASS", consts.Reset)
		if !component.StageStatuses[stage] {
			statusStr = fmt.Sprintf("%s%s%s", consts.Red, "FAIL", consts.Reset)
		}
		fmt.Fprintf(os.Stderr, " - %s: %s\n", stage, statusStr)
	}
}
