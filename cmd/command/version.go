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
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/scitix/bertbench/pkg/utils"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X github.com/scitix/bertbench/cmd/command.Major=..." at release time.
var (
	Major     = ""
	Minor     = ""
	Patch     = ""
	GitCommit = "none"
	BuildTime = "unknown"
)

// BuildInfo identifies the bertbench binary that produced a benchmark run.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	BuildTime string `json:"build_time"`
	Platform  string `json:"platform"`
}

// GetBuildInfo prefers the ldflags values and falls back to the VCS stamp
// the go toolchain embeds, since training nodes rarely have a git checkout.
func GetBuildInfo() BuildInfo {
	info := BuildInfo{
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
		BuildTime: BuildTime,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.GitCommit == "none" {
					info.GitCommit = s.Value
				}
			case "vcs.time":
				if info.BuildTime == "unknown" {
					info.BuildTime = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	if Major == "" {
		info.Version = "dev-" + shortCommit(info.GitCommit)
	} else {
		info.Version = "v" + Major + "." + Minor + "." + Patch
	}
	return info
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

func NewVersionCmd() *cobra.Command {
	var short bool
	var output string
	versionCmd := &cobra.Command{
		Use:     "version",
		Aliases: []string{"v"},
		Short:   "Print the version of bertbench",
		Long:    "Prints the build of this binary. Record it next to benchmark results so runs can be reproduced.",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := GetBuildInfo()
			if short {
				cmd.Println(info.Version)
				return nil
			}
			switch output {
			case "yaml":
				out, err := utils.Yaml(info)
				if err != nil {
					return err
				}
				cmd.Print(out)
			case "text":
				dirty := ""
				if info.Modified {
					dirty = " (modified)"
				}
				cmd.Printf("Version: %s\nGit Commit: %s%s\nGo Version: %s\nBuild Time: %s\nPlatform: %s\n",
					info.Version, info.GitCommit, dirty, info.GoVersion, info.BuildTime, info.Platform)
			default:
				return fmt.Errorf("unknown output %q", output)
			}
			return nil
		},
	}
	versionCmd.Flags().BoolVar(&short, "short", false, "Print only the version")
	versionCmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text or yaml")
	return versionCmd
}
