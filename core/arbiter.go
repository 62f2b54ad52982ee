package core

import (
	"cmp"

	"github.com/encodeous/weft/state"
)

type Decision uint8

const (
	Keep Decision = iota
	Adopt
)

func (d Decision) String() string {
	if d == Adopt {
		return "adopt"
	}
	return "keep"
}

// ComparePartitions orders leader data by weighting, then partition id, then data version.
func ComparePartitions(a, b state.LeaderData) int {
	if c := cmp.Compare(a.Weighting, b.Weighting); c != 0 {
		return c
	}
	if c := cmp.Compare(a.PartitionId, b.PartitionId); c != 0 {
		return c
	}
	return cmp.Compare(a.DataVersion, b.DataVersion)
}

// Arbitrate adopts candidate only when it strictly outranks local. It is safe to call from any goroutine.
func Arbitrate(local, candidate state.LeaderData) Decision {
	if ComparePartitions(candidate, local) > 0 {
		return Adopt
	}
	return Keep
}
