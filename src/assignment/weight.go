// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package assignment

import (
	"math"
	"math/rand/v2"
)

const (
	maxSkillMatch   = 5
	maxRecency      = 10.0
	minRecency      = 0.1
	priorityCeiling = 101
)

// Weight scores a candidate before jitter. Lower priority values, fewer
// matched skills and more minutes already spent on the task all raise it.
// Matched skills are capped at five so no work is structurally excluded.
func Weight(priority, matchedSkills int, recencyMinutes float64) float64 {
	p := float64(priorityCeiling - priority)
	priorityWeight := p * p

	matched := max(min(matchedSkills, maxSkillMatch), 0)
	skillWeight := math.Pow(float64(maxSkillMatch+1-matched), 1.5)

	recencyWeight := max(min(recencyMinutes, maxRecency), minRecency)
	return priorityWeight * skillWeight * recencyWeight
}

// Rand is the uniform draw in [0, 1) that jitters the ordering.
// *rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
