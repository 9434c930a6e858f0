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
	"context"
	"fmt"
	"os"

	"github.com/scitix/bertbench/config"
	"github.com/scitix/bertbench/consts"
	"github.com/scitix/bertbench/pkg/bench"
	"github.com/scitix/bertbench/pkg/logparse"
	"github.com/scitix/bertbench/pkg/report"
	"github.com/scitix/bertbench/pkg/utils"

	"github.com/spf13/cobra"
)

func NewCompareCmd() *cobra.Command {
	compareCmd := &cobra.Command{
		Use:   "compare",
		Short: "Render the Training Time and Throughput comparison of two finished runs",
		Long: "Parses the two logs named by the benchmark config (or --left-log/--right-log) and renders\n" +
			"one bar per run in a Training Time panel and a Throughput panel.",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runCompare(cmd); err != nil {
				fail(consts.ComponentNameReport, consts.ComponentNameReport, err)
				return
			}
			SetStatus(consts.ComponentNameReport, true)
		},
	}
	addBenchFlags(compareCmd)
	addReportFlags(compareCmd)
	f := compareCmd.Flags()
	f.String("left-label", "", "Label of the first run")
	f.String("left-log", "", "Log of the first run")
	f.String("right-label", "", "Label of the second run")
	f.String("right-log", "", "Log of the second run")
	return compareCmd
}

func addReportFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("output", "o", "", "Chart path (PNG)")
	f.String("yaml", "", "Also write the report as YAML to this path")
	f.String("metrics-file", "", "Also write the report in the node-exporter textfile format")
	f.Bool("table", true, "Print the comparison table")
}

func applyReportFlags(cmd *cobra.Command, rc *config.ReportConfig) {
	f := cmd.Flags()
	if f.Changed("output") {
		rc.Output, _ = f.GetString("output")
	}
	if f.Changed("yaml") {
		rc.YAML, _ = f.GetString("yaml")
	}
	if f.Changed("metrics-file") {
		rc.MetricsFile, _ = f.GetString("metrics-file")
	}
	if f.Changed("table") {
		rc.Table, _ = f.GetBool("table")
	}
}

func runCompare(cmd *cobra.Command) error {
	cfg, err := loadBenchConfig(cmd)
	if err != nil {
		return err
	}
	applyReportFlags(cmd, &cfg.Report)
	f := cmd.Flags()
	sides := []struct{ labelFlag, logFlag string }{{"left-label", "left-log"}, {"right-label", "right-log"}}
	var series []report.Series
	for i, side := range sides {
		label, path := cfg.Variants[i].Label, cfg.LogPath(cfg.Variants[i])
		if f.Changed(side.labelFlag) {
			label, _ = f.GetString(side.labelFlag)
		}
		if f.Changed(side.logFlag) {
			path, _ = f.GetString(side.logFlag)
		}
		ms, err := logparse.ParseFile(path)
		if err != nil {
			return err
		}
		series = append(series, report.Series{Label: label, Metrics: ms})
	}
	rep, err := report.Build(series[0], series[1])
	if err != nil {
		return err
	}
	return bench.WriteOutputs(cfg.Report, rep, os.Stdout)
}

func NewBenchCmd() *cobra.Command {
	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Dispatch both variants, wait for them and render the comparison",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := utils.HandleSignals(context.Background())
			defer cancel()
			cfg, err := loadBenchConfig(cmd)
			if err != nil {
				fail(consts.ComponentNameBench, consts.ComponentNameBench, err)
				return
			}
			applyReportFlags(cmd, &cfg.Report)
			sched, err := newScheduler(cfg)
			if err != nil {
				fail(consts.ComponentNameBench, consts.ComponentNameBench, err)
				return
			}
			runner := &bench.Runner{Config: cfg, Scheduler: sched, Out: os.Stdout}
			outcome, err := runner.Run(ctx)
			for _, st := range outcome.Stages {
				SetStatus(st.Stage, st.Passed)
			}
			if err != nil {
				fail(consts.ComponentNameBench, consts.ComponentNameBench, err)
				return
			}
			fmt.Printf("comparison written to %s\n", cfg.Report.Output)
		},
	}
	addBenchFlags(benchCmd)
	addReportFlags(benchCmd)
	return benchCmd
}
