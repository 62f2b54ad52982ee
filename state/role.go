package state

import "strings"

type Role uint8

const (
	RoleOffline Role = iota
	RoleDisabled
	RoleDetached
	RoleChild
	RoleRouter
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleOffline:
		return "offline"
	case RoleDisabled:
		return "disabled"
	case RoleDetached:
		return "detached"
	case RoleChild:
		return "child"
	case RoleRouter:
		return "router"
	case RoleLeader:
		return "leader"
	}
	return "unknown"
}

// IsAttached is true for child, router and leader.
func (r Role) IsAttached() bool {
	return r == RoleChild || r == RoleRouter || r == RoleLeader
}

// IsRouterOrLeader is true when the node forwards for children and emits advertisements.
func (r Role) IsRouterOrLeader() bool {
	return r == RoleRouter || r == RoleLeader
}

type AttachFilter uint8

const (
	AttachAnyPartition AttachFilter = iota
	AttachSamePartition1
	AttachSamePartition2
	AttachBetterPartition
)

func (f AttachFilter) String() string {
	switch f {
	case AttachAnyPartition:
		return "any-partition"
	case AttachSamePartition1:
		return "same-partition-1"
	case AttachSamePartition2:
		return "same-partition-2"
	case AttachBetterPartition:
		return "better-partition"
	}
	return "unknown"
}

// ChangeFlags is the bitmask delivered to the application after each processed event.
type ChangeFlags uint32

const (
	ChangedIp6AddressAdded   ChangeFlags = 1 << 0
	ChangedIp6AddressRemoved ChangeFlags = 1 << 1
	ChangedRole              ChangeFlags = 1 << 3
	ChangedPartitionId       ChangeFlags = 1 << 4
	ChangedKeySequence       ChangeFlags = 1 << 5
	ChangedChildAdded        ChangeFlags = 1 << 6
	ChangedChildRemoved      ChangeFlags = 1 << 7
	ChangedNetdata           ChangeFlags = 1 << 8
	ChangedLinkLocalAddr     ChangeFlags = 1 << 9
	ChangedMeshLocalAddr     ChangeFlags = 1 << 10
	ChangedRlocAdded         ChangeFlags = 1 << 11
	ChangedRlocRemoved       ChangeFlags = 1 << 12
)

var changeFlagNames = []struct {
	flag ChangeFlags
	name string
}{
	{ChangedIp6AddressAdded, "ip6-added"},
	{ChangedIp6AddressRemoved, "ip6-removed"},
	{ChangedRole, "role"},
	{ChangedPartitionId, "partition-id"},
	{ChangedKeySequence, "key-sequence"},
	{ChangedChildAdded, "child-added"},
	{ChangedChildRemoved, "child-removed"},
	{ChangedNetdata, "netdata"},
	{ChangedLinkLocalAddr, "ll-addr"},
	{ChangedMeshLocalAddr, "ml-addr"},
	{ChangedRlocAdded, "rloc-added"},
	{ChangedRlocRemoved, "rloc-removed"},
}

func (c ChangeFlags) Has(flag ChangeFlags) bool {
	return c&flag == flag
}

func (c ChangeFlags) String() string {
	if c == 0 {
		return "none"
	}
	names := make([]string, 0)
	for _, f := range changeFlagNames {
		if c.Has(f.flag) {
			names = append(names, f.name)
		}
	}
	return strings.Join(names, "|")
}
