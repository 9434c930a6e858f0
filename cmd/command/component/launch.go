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
	"os/exec"
	"strconv"

	"github.com/scitix/bertbench/consts"
	"github.com/scitix/bertbench/pkg/utils"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type launchOptions struct {
	NProc      int
	NodeRank   int
	NNodes     int
	MasterAddr string
	MasterPort int
}

func NewLaunchCmd() *cobra.Command {
	opts := &launchOptions{}
	launchCmd := &cobra.Command{
		Use:   "launch [flags] -- [train flags]",
		Short: "Spawn the train ranks of this node with the rendezvous environment set",
		Example: "  bertbench launch --nproc 4 -- --backend gloo --corpus-path corpus.txt \\\n" +
			"      --vocab-path vocab.txt --bert-config-path bert_config.json",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := utils.HandleSignals(context.Background())
			defer cancel()
			if err := runLaunch(ctx, opts, args); err != nil {
				fail(consts.ComponentNameLauncher, consts.ComponentNameLauncher, err)
				return
			}
			SetStatus(consts.ComponentNameLauncher, true)
		},
	}
	launchCmd.Flags().IntVar(&opts.NProc, "nproc", 1, "Ranks to start on this node")
	launchCmd.Flags().IntVar(&opts.NNodes, "nnodes", 1, "Number of nodes")
	launchCmd.Flags().IntVar(&opts.NodeRank, "node-rank", 0, "Rank of this node")
	launchCmd.Flags().StringVar(&opts.MasterAddr, "master-addr", "127.0.0.1", "Address of rank 0")
	launchCmd.Flags().IntVar(&opts.MasterPort, "master-port", 29500, "Rendezvous port on rank 0")
	return launchCmd
}

// rankEnv returns the rendezvous environment of local rank i.
func (o *launchOptions) rankEnv(i int) []string {
	return []string{
		consts.EnvMasterAddr + "=" + o.MasterAddr,
		consts.EnvMasterPort + "=" + strconv.Itoa(o.MasterPort),
		consts.EnvWorldSize + "=" + strconv.Itoa(o.NProc*o.NNodes),
		consts.EnvRank + "=" + strconv.Itoa(o.NodeRank*o.NProc+i),
		consts.EnvLocalRank + "=" + strconv.Itoa(i),
	}
}

// runLaunch starts NProc ranks and waits for all of them. The first rank to
// fail cancels the rest.
func runLaunch(ctx context.Context, o *launchOptions, trainArgs []string) error {
	if o.NProc <= 0 || o.NNodes <= 0 || o.NodeRank < 0 || o.NodeRank >= o.NNodes {
		return fmt.Errorf("invalid topology: nproc %d, nnodes %d, node-rank %d", o.NProc, o.NNodes, o.NodeRank)
	}
	self, err := os.Executable()
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := range o.NProc {
		cmd := exec.CommandContext(gctx, self, append([]string{"train"}, trainArgs...)...)
		cmd.Env = append(os.Environ(), o.rankEnv(i)...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		rank := o.NodeRank*o.NProc + i
		g.Go(func() error {
			logrus.WithField("component", consts.ComponentNameLauncher).Debugf("starting rank %d", rank)
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return nil
		})
	}
	return g.Wait()
}
