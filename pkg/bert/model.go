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
package bert

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"

	"github.com/scitix/bertbench/pkg/sampler"
)

// Stage is the slice of a pre-training model owned by one pipeline stage.
// It scores next-sentence pairs with a logistic head over hashed token
// features; its width scales with the number of encoder layers it owns.
type Stage struct {
	StageID   int
	NumStages int
	Layers    []int

	buckets int
	params  []float64 // buckets weights followed by one bias
}

// BuildModel returns stage stageID of numStages. Layers are split as evenly as
// possible, earlier stages taking the remainder.
func BuildModel(cfg *Config, stageID, numStages int) (*Stage, error) {
	if numStages <= 0 || numStages > cfg.NumHiddenLayers {
		return nil, fmt.Errorf("cannot split %d layers into %d stages", cfg.NumHiddenLayers, numStages)
	}
	if stageID < 0 || stageID >= numStages {
		return nil, fmt.Errorf("stage id %d outside [0, %d)", stageID, numStages)
	}
	base, extra := cfg.NumHiddenLayers/numStages, cfg.NumHiddenLayers%numStages
	first := stageID*base + min(stageID, extra)
	owned := base
	if stageID < extra {
		owned++
	}
	layers := make([]int, owned)
	for i := range layers {
		layers[i] = first + i
	}

	s := &Stage{StageID: stageID, NumStages: numStages, Layers: layers, buckets: cfg.HiddenSize * owned}
	s.params = make([]float64, s.buckets+1)
	// identical initialization on every rank, as a broadcast from rank 0 would give
	rng := rand.New(rand.NewPCG(uint64(stageID), uint64(numStages)))
	for i := 0; i < s.buckets; i++ {
		s.params[i] = rng.NormFloat64() * cfg.InitializerRange
	}
	return s, nil
}

// Parameters is the live parameter vector; optimizers update it in place.
func (s *Stage) Parameters() []float64 {
	return s.params
}

// NoDecay marks parameters excluded from weight decay (the bias).
func (s *Stage) NoDecay() []bool {
	mask := make([]bool, len(s.params))
	mask[len(mask)-1] = true
	return mask
}

func (s *Stage) bucket(token, segment int) int {
	h := fnv.New32a()
	var buf [8]byte
	for i := 0; i < 4; i++ {
		buf[i] = byte(token >> (8 * i))
	}
	buf[4] = byte(segment)
	_, _ = h.Write(buf[:5])
	return int(h.Sum32() % uint32(s.buckets))
}

func (s *Stage) features(ex Example) map[int]float64 {
	x := make(map[int]float64)
	if len(ex.InputIDs) == 0 {
		return x
	}
	w := 1.0 / float64(len(ex.InputIDs))
	inA := make(map[int]bool)
	for i, id := range ex.InputIDs {
		seg := 0
		if i < len(ex.SegmentIDs) {
			seg = ex.SegmentIDs[i]
		}
		if seg == 0 {
			inA[id] = true
		}
		x[s.bucket(id, seg)] += w
	}
	// shared tokens between the two sentences are the strongest next-sentence signal
	for i, id := range ex.InputIDs {
		if i < len(ex.SegmentIDs) && ex.SegmentIDs[i] == 1 && inA[id] {
			x[s.bucket(id, 2)] += w
		}
	}
	return x
}

// ForwardBackward returns the mean binary cross-entropy of the batch and its gradient.
func (s *Stage) ForwardBackward(ctx context.Context, batch sampler.Batch[Example]) (float64, []float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	grads := make([]float64, len(s.params))
	if batch.Size() == 0 {
		return 0, grads, nil
	}
	bias := len(s.params) - 1
	var loss float64
	for _, ex := range batch.Examples {
		x := s.features(ex)
		logit := s.params[bias]
		for k, v := range x {
			logit += s.params[k] * v
		}
		p := 1 / (1 + math.Exp(-logit))
		y := 0.0
		if ex.IsNext {
			y = 1
		}
		const eps = 1e-12
		loss -= y*math.Log(p+eps) + (1-y)*math.Log(1-p+eps)
		diff := p - y
		for k, v := range x {
			grads[k] += diff * v
		}
		grads[bias] += diff
	}
	n := float64(batch.Size())
	for i := range grads {
		grads[i] /= n
	}
	return loss / n, grads, nil
}
