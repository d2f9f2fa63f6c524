package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/samber/lo"
)

// Partitions holds a disjoint train/validation/test split.
type Partitions struct {
	Train      []Entry
	Validation []Entry
	Test       []Entry
}

// Partition names accepted by Partitions.Named.
const (
	PartitionTrain      = "train"
	PartitionValidation = "validation"
	PartitionTest       = "test"
	PartitionAll        = "all"
)

// Named returns the partition called name; "all" concatenates the three.
func (p Partitions) Named(name string) ([]Entry, error) {
	switch name {
	case PartitionTrain:
		return p.Train, nil
	case PartitionValidation, "val":
		return p.Validation, nil
	case PartitionTest:
		return p.Test, nil
	case PartitionAll:
		all := make([]Entry, 0, len(p.Train)+len(p.Validation)+len(p.Test))
		all = append(all, p.Train...)
		all = append(all, p.Validation...)
		return append(all, p.Test...), nil
	default:
		return nil, fmt.Errorf("unknown partition %q", name)
	}
}

// Split partitions the index deterministically for seed. Each label is
// split separately so every partition keeps the class balance of the whole.
// Every entry lands in exactly one partition.
func (ix *Index) Split(seed int64, valFraction, testFraction float64) (Partitions, error) {
	if valFraction < 0 || testFraction < 0 || valFraction+testFraction >= 1 {
		return Partitions{}, fmt.Errorf("split fractions must be >= 0 and sum below 1 (got %.3f, %.3f)", valFraction, testFraction)
	}
	groups := lo.GroupBy(ix.Entries, func(e Entry) int {
		if !e.Labeled {
			return -1
		}
		return e.Label
	})
	labels := lo.Keys(groups)
	sort.Ints(labels)

	rng := rand.New(rand.NewSource(seed))
	var parts Partitions
	for _, label := range labels {
		group := append([]Entry(nil), groups[label]...)
		sort.Slice(group, func(i, j int) bool { return group[i].Key < group[j].Key })
		rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })

		nVal := int(math.Round(float64(len(group)) * valFraction))
		nTest := int(math.Round(float64(len(group)) * testFraction))
		if nVal+nTest > len(group) {
			nTest = len(group) - nVal
		}
		parts.Validation = append(parts.Validation, group[:nVal]...)
		parts.Test = append(parts.Test, group[nVal:nVal+nTest]...)
		parts.Train = append(parts.Train, group[nVal+nTest:]...)
	}
	return parts, nil
}
