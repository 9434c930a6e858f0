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
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/scitix/bertbench/config"
	"github.com/scitix/bertbench/consts"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var ConfigKeys = []string{
	"scheduler",
	"log_dir",
	"slurm_partition",
	"k8s_namespace",
	"job_image",
	"kubeconfig",
}

func configFilePath() string {
	return filepath.Join(os.Getenv("HOME"), ".bertbench", "config.yaml")
}

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage bertbench configuration",
		Long:  "Interactive configuration tool for bertbench user defaults",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigViewCmd())
	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigDefaultCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Init configuration interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile := configFilePath()
			if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
				return fmt.Errorf("failed to create config dir: %v", err)
			}

			// read existing config file and override with new values
			v := viper.New()
			v.SetConfigFile(configFile)
			_ = v.ReadInConfig()

			reader := bufio.NewReader(os.Stdin)

			cfg := map[string]string{
				"scheduler":       ask(reader, v, "scheduler", "scheduler (slurm, local, kubernetes)", consts.SchedulerSlurm),
				"log_dir":         ask(reader, v, "log_dir", "job log directory", "."),
				"slurm_partition": ask(reader, v, "slurm_partition", "slurm partition", ""),
				"k8s_namespace":   ask(reader, v, "k8s_namespace", "kubernetes namespace", consts.DefaultNamespace),
				"job_image":       ask(reader, v, "job_image", "kubernetes job image", consts.DefaultJobImage),
				"kubeconfig":      ask(reader, v, "kubeconfig", "kubeconfig path", ""),
			}
			switch cfg["scheduler"] {
			case consts.SchedulerSlurm, consts.SchedulerLocal, consts.SchedulerKubernetes:
			default:
				fmt.Printf("❌ Unknown scheduler %q\n", cfg["scheduler"])
				return nil
			}

			// write config file
			for k, vval := range cfg {
				v.Set(k, vval)
			}
			if err := v.WriteConfigAs(configFile); err != nil {
				fmt.Println("❌ Failed to write config: ", err)
				return nil
			}

			fmt.Printf("✅ Config saved to %s\n", configFile)
			return nil
		},
	}
}

func newConfigViewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "View current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			v.SetConfigFile(configFilePath())

			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config: %v", err)
			}

			fmt.Println("Current configuration:")
			for _, key := range ConfigKeys {
				val := v.GetString(key)
				fmt.Printf("  %-16s : %s\n", key, val)
			}
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set",
		Short: "Interactively update configuration values",
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile := configFilePath()
			v := viper.New()
			v.SetConfigFile(configFile)
			_ = v.ReadInConfig()

			reader := bufio.NewReader(os.Stdin)

			fmt.Println("Choose the key to modify:")
			for i, key := range ConfigKeys {
				fmt.Printf("  [%d] %s (current: %s)\n", i+1, key, v.GetString(key))
			}

			fmt.Print("\nEnter number to select key: ")
			line, _ := reader.ReadString('\n')
			var idx int
			if _, err := fmt.Sscan(strings.TrimSpace(line), &idx); err != nil || idx < 1 || idx > len(ConfigKeys) {
				return fmt.Errorf("invalid choice")
			}

			selectedKey := ConfigKeys[idx-1]
			fmt.Printf("Enter new value for '%s': ", selectedKey)
			newVal, _ := reader.ReadString('\n')
			newVal = strings.TrimSpace(newVal)
			if newVal == "" {
				fmt.Println("❌ No value entered, canceled.")
				return nil
			}
			v.Set(selectedKey, newVal)
			if err := v.WriteConfigAs(configFile); err != nil {
				return err
			}
			fmt.Printf("✅ Updated %s = %s\n", selectedKey, newVal)
			return nil
		},
	}
}

// newConfigDefaultCmd prints the built-in benchmark config as a starting point
// for a --config file.
func newConfigDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default",
		Short: "Print the default benchmark config",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Default().Yaml()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func ask(reader *bufio.Reader, v *viper.Viper, key, desc, def string) string {
	current := v.GetString(key)
	if current == "" {
		current = def
	}
	fmt.Printf("%s [%s]: ", desc, current)
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return current
	}
	return input
}
