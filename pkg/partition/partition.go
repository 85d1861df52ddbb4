// Package partition enumerates the sweep's work units and splits them into shards.
package partition

import (
	"math/rand"
	"time"

	"github.com/psantana5/sweepbatch/pkg/models"
)

// MaxArrayShards is the largest array job the cloud queue accepts.
const MaxArrayShards = 10000

// Plan controls how units are split into shards
type Plan struct {
	TargetShards     int    // Desired number of shards (backend parallelism)
	MaxShards        int    // Hard ceiling on shard count, 0 = MaxArrayShards
	MinUnitsPerShard int    // Floor on units per shard
	Seed             *int64 // Optional shuffle seed for reproducible reruns
}

// DefaultPlan returns the plan used by the cloud queue
func DefaultPlan(target int) Plan {
	return Plan{
		TargetShards:     target,
		MaxShards:        MaxArrayShards,
		MinUnitsPerShard: 2,
	}
}

// Enumerate builds the full work set: every case as baseline, then every
// case crossed with each variant in order.
func Enumerate(caseIDs []int, variants int) []models.WorkUnit {
	units := make([]models.WorkUnit, 0, len(caseIDs)*(variants+1))
	for _, id := range caseIDs {
		units = append(units, models.Baseline(id))
	}
	for v := 0; v < variants; v++ {
		for _, id := range caseIDs {
			units = append(units, models.Variant(id, v))
		}
	}
	return units
}

// UnitsPerShard returns ceil(total/S), floored at the plan minimum.
func (p Plan) UnitsPerShard(total int) int {
	shards := p.TargetShards
	ceiling := p.MaxShards
	if ceiling <= 0 {
		ceiling = MaxArrayShards
	}
	if shards <= 0 || shards > ceiling {
		shards = ceiling
	}

	perShard := (total + shards - 1) / shards
	if perShard < p.MinUnitsPerShard {
		perShard = p.MinUnitsPerShard
	}
	if perShard < 1 {
		perShard = 1
	}
	return perShard
}

// Partition shuffles the units and splits them into contiguous shards.
// The input slice is not modified. Zero units produce zero shards.
func Partition(units []models.WorkUnit, plan Plan) []models.Shard {
	if len(units) == 0 {
		return nil
	}

	shuffled := make([]models.WorkUnit, len(units))
	copy(shuffled, units)

	seed := time.Now().UnixNano()
	if plan.Seed != nil {
		seed = *plan.Seed
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	perShard := plan.UnitsPerShard(len(shuffled))
	shards := make([]models.Shard, 0, (len(shuffled)+perShard-1)/perShard)
	for start, id := 0, 0; start < len(shuffled); start, id = start+perShard, id+1 {
		end := start + perShard
		if end > len(shuffled) {
			end = len(shuffled)
		}
		shards = append(shards, models.Shard{ID: id, Units: shuffled[start:end:end]})
	}
	return shards
}
