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
	"os"

	"github.com/scitix/bertbench/cmd/command/component"
	"github.com/scitix/bertbench/pkg/utils"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCmd creates and returns the root command (bertbench command) instance, configures logging, and adds subcommands.
func NewRootCmd() *cobra.Command {
	cobra.OnInitialize(initConfig)
	rootCmd := &cobra.Command{
		Use:   "bertbench",
		Short: "Distributed BERT pre-training benchmark",
		Long:  "Runs data-parallel BERT pre-training ranks and compares pipeline-parallel and data-parallel training jobs",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, _ := cmd.Flags().GetString("log-level")
			isJSON, _ := cmd.Flags().GetBool("log-json")
			logFile, _ := cmd.Flags().GetString("log-file")
			return utils.SetupLogger(utils.LogOptions{Level: level, JSON: isJSON, File: logFile})
		},
	}
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log in JSON")
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this file (rotated)")

	rootCmd.AddCommand(component.NewTrainCmd())
	rootCmd.AddCommand(component.NewLaunchCmd())
	rootCmd.AddCommand(component.NewDispatchCmd())
	rootCmd.AddCommand(component.NewWaitCmd())
	rootCmd.AddCommand(component.NewParseCmd())
	rootCmd.AddCommand(component.NewCompareCmd())
	rootCmd.AddCommand(component.NewBenchCmd())
	rootCmd.AddCommand(NewVersionCmd())
	rootCmd.AddCommand(NewConfigCmd())
	return rootCmd
}

func initConfig() {
	viper.SetConfigName("config") // config.yaml
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.bertbench") // default path

	// support environment variable override, like BERTBENCH_SCHEDULER
	viper.SetEnvPrefix("bertbench")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		logrus.Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
		// the user config is optional, but a broken one is not
		fmt.Printf("[ERROR] Failed to read config file: %v\n", err)
		os.Exit(1)
	}
}
