package partition

import (
	"path/filepath"
	"testing"

	"github.com/psantana5/sweepbatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func caseIDs(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i + 1
	}
	return ids
}

func TestEnumerateOrder(t *testing.T) {
	units := Enumerate([]int{1, 2}, 2)
	want := []string{
		"bldg0000001up00", "bldg0000002up00",
		"bldg0000001up01", "bldg0000002up01",
		"bldg0000001up02", "bldg0000002up02",
	}
	require.Len(t, units, len(want))
	for i, u := range units {
		assert.Equal(t, want[i], u.ID())
	}
}

func TestPartitionScenario(t *testing.T) {
	units := Enumerate(caseIDs(10), 1)
	shards := Partition(units, Plan{TargetShards: 4, MinUnitsPerShard: 2})

	require.Len(t, shards, 4)
	for i, s := range shards {
		assert.Equal(t, i, s.ID)
		assert.Len(t, s.Units, 5)
	}

	seen := map[[2]int]bool{}
	for _, s := range shards {
		for _, u := range s.Units {
			seen[u.Key()] = true
		}
	}
	for id := 1; id <= 10; id++ {
		assert.True(t, seen[models.Baseline(id).Key()], "missing baseline %d", id)
		assert.True(t, seen[models.Variant(id, 0).Key()], "missing variant for %d", id)
	}
	assert.Len(t, seen, 20)
}

func TestPartitionCoverageAndDisjointness(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 7, 50, 101} {
		for _, v := range []int{0, 1, 3} {
			for _, s := range []int{1, 4, 9, 1000} {
				units := Enumerate(caseIDs(n), v)
				shards := Partition(units, Plan{TargetShards: s, MinUnitsPerShard: 2})

				counts := map[[2]int]int{}
				total := 0
				for _, sh := range shards {
					for _, u := range sh.Units {
						counts[u.Key()]++
						total++
					}
				}
				if total != len(units) {
					t.Fatalf("N=%d V=%d S=%d: %d units across shards, want %d", n, v, s, total, len(units))
				}
				for _, u := range units {
					if counts[u.Key()] != 1 {
						t.Fatalf("N=%d V=%d S=%d: unit %s appears %d times", n, v, s, u, counts[u.Key()])
					}
				}
			}
		}
	}
}

func TestPartitionShardSizes(t *testing.T) {
	units := Enumerate(caseIDs(23), 2) // 69 units
	plan := Plan{TargetShards: 10, MinUnitsPerShard: 2}
	shards := Partition(units, plan)
	per := plan.UnitsPerShard(len(units))

	require.Equal(t, 7, per)
	for i, s := range shards {
		if i < len(shards)-1 {
			assert.Len(t, s.Units, per)
		} else {
			assert.LessOrEqual(t, len(s.Units), per)
			assert.Greater(t, len(s.Units), 0)
		}
	}
}

func TestPartitionMinimumFloor(t *testing.T) {
	units := Enumerate(caseIDs(5), 0)
	shards := Partition(units, Plan{TargetShards: 100, MinUnitsPerShard: 2})
	// ceil(5/100) = 1 is raised to the floor of 2
	require.Len(t, shards, 3)
	assert.Len(t, shards[2].Units, 1)
}

func TestPartitionCapsShardCount(t *testing.T) {
	plan := Plan{TargetShards: 50000, MinUnitsPerShard: 1}
	assert.Equal(t, 3, plan.UnitsPerShard(30000))
}

func TestPartitionEmpty(t *testing.T) {
	assert.Empty(t, Partition(nil, DefaultPlan(4)))
	assert.Empty(t, Partition(Enumerate(nil, 3), DefaultPlan(4)))
}

func TestPartitionSeededIsReproducible(t *testing.T) {
	seed := int64(42)
	units := Enumerate(caseIDs(30), 2)
	a := Partition(units, Plan{TargetShards: 6, MinUnitsPerShard: 2, Seed: &seed})
	b := Partition(units, Plan{TargetShards: 6, MinUnitsPerShard: 2, Seed: &seed})
	assert.Equal(t, a, b)
}

func TestDescriptorRoundTripOnDisk(t *testing.T) {
	dir := t.TempDir()
	seed := int64(1)
	shards := Partition(Enumerate(caseIDs(4), 1), Plan{TargetShards: 2, MinUnitsPerShard: 2, Seed: &seed})

	paths, err := WriteDescriptors(dir, shards)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(dir, "job00001.json"), paths[1])

	d, err := ReadDescriptor(paths[1])
	require.NoError(t, err)
	assert.Equal(t, 1, d.JobNum)
	assert.Equal(t, shards[1], d.Shard())
}
