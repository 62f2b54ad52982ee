package state

import "fmt"

type LeaderData struct {
	PartitionId       uint32
	Weighting         uint8
	DataVersion       uint8
	StableDataVersion uint8
	LeaderRouterId    uint8
}

func (l LeaderData) String() string {
	return fmt.Sprintf("(partition: %08x, weight: %d, version: %d/%d, leader: %d)",
		l.PartitionId, l.Weighting, l.DataVersion, l.StableDataVersion, l.LeaderRouterId)
}

// SeqnoLt compares 8-bit wrapping version numbers
func SeqnoLt(a, b uint8) bool {
	x := b - a
	return 0 < x && x < 128
}

func SeqnoLe(a, b uint8) bool {
	return a == b || SeqnoLt(a, b)
}

func SeqnoGt(a, b uint8) bool {
	return !SeqnoLe(a, b)
}

func SeqnoGe(a, b uint8) bool {
	return !SeqnoLt(a, b)
}
