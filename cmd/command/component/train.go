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
	"time"

	"github.com/scitix/bertbench/consts"
	"github.com/scitix/bertbench/metrics"
	"github.com/scitix/bertbench/pkg/bert"
	"github.com/scitix/bertbench/pkg/dist"
	"github.com/scitix/bertbench/pkg/sampler"
	"github.com/scitix/bertbench/pkg/trainer"
	"github.com/scitix/bertbench/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type trainOptions struct {
	CorpusPath      string
	VocabPath       string
	DoLowerCase     bool
	MaxSeqLength    int
	OnMemory        bool
	MicroBatchSize  int
	NumStages       int
	StageID         int
	LearningRate    float64
	WarmupProp      float64
	NumOptSteps     int
	MaxGradNorm     float64
	NumEpochs       int
	BertConfigPath  string
	Backend         string
	Seed            uint64
	NoShuffle       bool
	CollTimeout     time.Duration
	LogInterval     int
	MetricsPort     int
	MetricsTextfile string
	ProgressBar     bool
}

func NewTrainCmd() *cobra.Command {
	opts := &trainOptions{}
	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Run one rank of a data-parallel BERT pre-training job",
		Long: "Joins the distributed group described by MASTER_ADDR, MASTER_PORT, RANK and WORLD_SIZE\n" +
			"(or SLURM_PROCID/SLURM_NTASKS), trains for the configured number of epochs and, on rank 0,\n" +
			"prints the Training Time and Throughput metric lines.",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := utils.HandleSignals(context.Background())
			defer cancel()
			if err := runTrain(ctx, opts); err != nil {
				fail(consts.ComponentNameTrainer, consts.ComponentNameTrainer, err)
				return
			}
			SetStatus(consts.ComponentNameTrainer, true)
		},
	}

	f := trainCmd.Flags()
	f.StringVar(&opts.CorpusPath, "corpus-path", "", "Training corpus: one sentence per line, documents separated by blank lines")
	f.StringVar(&opts.VocabPath, "vocab-path", "", "WordPiece vocabulary file")
	f.BoolVar(&opts.DoLowerCase, "do-lower-case", true, "Lowercase and strip accents before tokenizing")
	f.IntVar(&opts.MaxSeqLength, "max-seq-length", 128, "Maximum sequence length after WordPiece tokenization")
	f.BoolVar(&opts.OnMemory, "on-memory", false, "Load the encoded corpus into memory")
	f.IntVar(&opts.MicroBatchSize, "micro-batch-size", 32, "Examples per micro-batch on each rank")
	f.IntVar(&opts.NumStages, "num-stages", 1, "Number of model stages")
	f.IntVar(&opts.StageID, "stage-id", 0, "Model stage held by this rank")
	f.Float64Var(&opts.LearningRate, "adam-learning-rate", 3e-5, "Peak learning rate of BertAdam")
	f.Float64Var(&opts.WarmupProp, "warmup-proportion", 0.1, "Fraction of optimization steps used for linear warmup; -1 disables")
	f.IntVar(&opts.NumOptSteps, "num-optimization-steps", 0, "Total optimization steps for the schedule; 0 derives it from the shard")
	f.Float64Var(&opts.MaxGradNorm, "adam-max-grad-norm", 1.0, "Global gradient norm clip; -1 disables")
	f.IntVar(&opts.NumEpochs, "num-epochs", 1, "Number of epochs")
	f.StringVar(&opts.BertConfigPath, "bert-config-path", "", "bert_config.json")
	f.StringVar(&opts.Backend, "backend", consts.BackendNCCL, "Distributed backend: nccl, gloo or local")
	f.Uint64Var(&opts.Seed, "seed", 42, "Seed for sampling and next-sentence pairing")
	f.BoolVar(&opts.NoShuffle, "no-shuffle", false, "Keep the dataset order within each epoch")
	f.DurationVar(&opts.CollTimeout, "collective-timeout", consts.DefaultCollectiveTimeout, "Timeout of every collective; peers are declared unavailable after it")
	f.IntVar(&opts.LogInterval, "log-interval", 10, "Steps between training log lines")
	f.IntVar(&opts.MetricsPort, "metrics-port", 0, "Serve Prometheus metrics on this port plus the rank; 0 disables")
	f.StringVar(&opts.MetricsTextfile, "metrics-textfile", "", "Write final metrics of this rank in the node-exporter textfile format")
	f.BoolVar(&opts.ProgressBar, "progress", true, "Show a progress bar on rank 0 when stderr is a terminal")
	for _, name := range []string{"corpus-path", "vocab-path", "bert-config-path"} {
		_ = trainCmd.MarkFlagRequired(name)
	}
	return trainCmd
}

func (o *trainOptions) validate() error {
	switch {
	case o.MicroBatchSize <= 0:
		return fmt.Errorf("--micro-batch-size must be positive")
	case o.NumEpochs <= 0:
		return fmt.Errorf("--num-epochs must be positive")
	case o.NumStages <= 0 || o.StageID < 0 || o.StageID >= o.NumStages:
		return fmt.Errorf("--stage-id %d out of range for %d stages", o.StageID, o.NumStages)
	case o.MaxSeqLength < 3:
		return fmt.Errorf("--max-seq-length must be at least 3")
	}
	return nil
}

// serveMetrics serves reg until ctx ends. A failure such as a taken port only
// costs the endpoint, so it is logged and training goes on.
func serveMetrics(ctx context.Context, log *logrus.Entry, port int, reg prometheus.Gatherer) error {
	err := metrics.Serve(ctx, port, reg)
	if err != nil {
		log.WithField("port", port).Warnf("metrics endpoint unavailable: %v", err)
	}
	return err
}

func runTrain(ctx context.Context, o *trainOptions) (err error) {
	if err := o.validate(); err != nil {
		return err
	}
	group, err := dist.Init(ctx, dist.Options{Backend: o.Backend, Timeout: o.CollTimeout})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			group.Abort(err.Error())
		}
		if derr := group.Destroy(); derr != nil && err == nil {
			err = derr
		}
	}()
	id := group.Identity()
	log := logrus.WithFields(logrus.Fields{"component": consts.ComponentNameTrainer, "rank": id.Rank})

	if id.IsMaster() {
		hi := utils.CollectHostInfo(ctx)
		log.Infof("host %s (%s, %d cpus), world size %d, backend %s", hi.Hostname, hi.CPUModel, hi.LogicalCPUs, id.WorldSize, group.Backend())
	}

	reg := prometheus.NewRegistry()
	tm := metrics.NewTrainingMetrics(reg, id.Rank)
	if o.MetricsPort > 0 {
		go serveMetrics(ctx, log, o.MetricsPort+id.Rank, reg)
	}

	tok, err := bert.LoadTokenizer(o.VocabPath, o.DoLowerCase)
	if err != nil {
		return err
	}
	ds, err := bert.NewDataset(o.CorpusPath, tok, o.MaxSeqLength, o.OnMemory, o.Seed)
	if err != nil {
		return err
	}
	defer ds.Close()

	smp, err := sampler.New(ds.Len(), id, sampler.Options{Seed: o.Seed, NoShuffle: o.NoShuffle})
	if err != nil {
		return err
	}
	loader, err := sampler.NewLoader[bert.Example](ds, smp, o.MicroBatchSize)
	if err != nil {
		return err
	}

	cfg, err := bert.LoadConfig(o.BertConfigPath)
	if err != nil {
		return err
	}
	model, err := bert.BuildModel(cfg, o.StageID, o.NumStages)
	if err != nil {
		return err
	}

	tTotal := o.NumOptSteps
	if tTotal <= 0 {
		tTotal = o.NumEpochs * loader.Len()
	}
	adam := bert.DefaultAdamOptions()
	adam.LR = o.LearningRate
	adam.Warmup = o.WarmupProp
	adam.TTotal = tTotal
	adam.MaxGradNorm = o.MaxGradNorm
	opt, err := bert.NewBertAdam(model.Parameters(), model.NoDecay(), adam)
	if err != nil {
		return err
	}

	loop := &trainer.Loop[sampler.Batch[bert.Example]]{
		Rank:      id.Rank,
		Model:     &trainer.DataParallel[sampler.Batch[bert.Example]]{Module: model, Sync: group},
		Optimizer: opt,
		Source:    loader,
		OnFailure: func(serr *trainer.TrainingStepError) {
			group.Abort(serr.Error())
		},
	}
	level := logrus.DebugLevel
	if id.IsMaster() {
		level = logrus.InfoLevel
	}
	loop.OnStep("log", trainer.LogHook(log, o.LogInterval, level))
	loop.OnStep("metrics", func(info trainer.StepInfo) error {
		tm.ObserveStep(info.Epoch, info.Step, info.Loss, info.LearningRate, info.StepDuration)
		return nil
	})
	var bar *progressbar.ProgressBar
	if o.ProgressBar && id.IsMaster() && term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.NewOptions(o.NumEpochs*loader.Len(),
			progressbar.OptionSetDescription("Training: "),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
			progressbar.OptionClearOnFinish(),
		)
		loop.OnStep("progress", func(trainer.StepInfo) error {
			return bar.Add(1)
		})
	}

	log.Infof("%d examples from %d documents, %d per rank, %d steps per epoch, t_total %d", ds.Len(), ds.NumDocuments(), smp.Len(), loader.Len(), tTotal)
	var samples int
	var last trainer.EpochStats
	start := time.Now()
	for epoch := range o.NumEpochs {
		st, err := loop.TrainOneEpoch(ctx, epoch)
		if err != nil {
			return err
		}
		samples += st.Samples
		last = st
		tm.ObserveEpoch(epoch, st)
		log.WithField("epoch", epoch).Infof("epoch done: %d steps, mean loss %.6f, %.2fs (p95 step %.3fs)",
			st.Steps, st.MeanLoss, st.Seconds, st.StepP95Seconds)
	}
	if bar != nil {
		_ = bar.Finish()
	}

	// summing the sample counts also waits for the slowest rank
	global, err := group.AllReduceSum(ctx, []float64{float64(samples)})
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	throughput := global[0] / elapsed.Seconds()
	tm.ObserveRun(elapsed, throughput)

	if id.IsMaster() {
		fmt.Printf("%s:%.3f\n", consts.MetricTrainingTime, elapsed.Seconds())
		fmt.Printf("%s:%.3f\n", consts.MetricThroughput, throughput)
		fmt.Printf("%s:%.6f\n", consts.MetricFinalLoss, last.LastLoss)
		fmt.Printf("%s:%d\n", consts.MetricWorldSize, id.WorldSize)
		fmt.Printf("%s:%d\n", consts.MetricEpochs, o.NumEpochs)
		fmt.Printf("%s:%d\n", consts.MetricSamples, int64(global[0]))
	}
	if o.MetricsTextfile != "" {
		if err := metrics.WriteTextfile(o.MetricsTextfile, reg); err != nil {
			log.Warnf("write metrics textfile: %v", err)
		}
	}
	return nil
}
