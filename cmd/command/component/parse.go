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
package component

import (
	"fmt"
	"os"

	"github.com/scitix/bertbench/consts"
	"github.com/scitix/bertbench/pkg/logparse"
	"github.com/scitix/bertbench/pkg/utils"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func NewParseCmd() *cobra.Command {
	parseCmd := &cobra.Command{
		Use:   "parse <log>...",
		Short: "Extract Name:Value metric lines from training logs",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			format, _ := cmd.Flags().GetString("format")
			passed := true
			for _, path := range args {
				ms, err := logparse.ParseFile(path)
				if err != nil {
					fail(consts.ComponentNameLogParse, consts.ComponentNameLogParse, err)
					passed = false
					continue
				}
				if err := printMetricSet(ms, format); err != nil {
					fail(consts.ComponentNameLogParse, consts.ComponentNameLogParse, err)
					passed = false
				}
			}
			if passed {
				SetStatus(consts.ComponentNameLogParse, true)
			}
		},
	}
	parseCmd.Flags().StringP("format", "f", "text", "Output format: text, json or yaml")
	return parseCmd
}

func printMetricSet(ms *logparse.MetricSet, format string) error {
	switch format {
	case "json":
		out, err := utils.JSON(ms)
		if err != nil {
			return err
		}
		fmt.Println(out)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		return enc.Encode(ms)
	case "text":
		utils.PrintTitle(ms.Source(), "-")
		for _, m := range ms.Metrics() {
			fmt.Printf("%s:%s\n", m.Name, m.Value)
		}
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	return nil
}
