// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy
// of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package balancer

import (
	"math/rand"

	"github.com/semverchenko/birq/pkg/irq"
)

// Strategy picks one IRQ to move off an overloaded CPU from among its
// eligible candidates (those with a non-zero interrupt count and a weight
// that has decayed back to zero). This replaces the original birq's
// birq_choose_strategy_e enum-and-switch in balance.c with the polymorphic
// dispatch the design calls for.
type Strategy interface {
	Choose(candidates []*irq.Irq, rng *rand.Rand) *irq.Irq
}

// MaxStrategy picks the candidate with the highest interrupt count,
// matching BIRQ_CHOOSE_MAX.
type MaxStrategy struct{}

func (MaxStrategy) Choose(candidates []*irq.Irq, _ *rand.Rand) *irq.Irq {
	var best *irq.Irq
	for _, c := range candidates {
		if best == nil || c.Intr > best.Intr {
			best = c
		}
	}
	return best
}

// MinStrategy picks the candidate with the lowest interrupt count, matching
// BIRQ_CHOOSE_MIN.
type MinStrategy struct{}

func (MinStrategy) Choose(candidates []*irq.Irq, _ *rand.Rand) *irq.Irq {
	var best *irq.Irq
	for _, c := range candidates {
		if best == nil || c.Intr < best.Intr {
			best = c
		}
	}
	return best
}

// RandomStrategy picks a uniformly random candidate, matching
// BIRQ_CHOOSE_RND, the original birq's default strategy.
type RandomStrategy struct{}

func (RandomStrategy) Choose(candidates []*irq.Irq, rng *rand.Rand) *irq.Irq {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rng.Intn(len(candidates))]
}
