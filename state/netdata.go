package state

import (
	"fmt"
	"net/netip"
)

type RoutePreference int8

const (
	PreferenceLow    RoutePreference = -1
	PreferenceMedium RoutePreference = 0
	PreferenceHigh   RoutePreference = 1
)

type BorderRouterFlags uint8

const (
	BrPreferred BorderRouterFlags = 1 << iota
	BrSlaac
	BrDhcp
	BrConfigure
	BrDefaultRoute
	BrOnMesh
)

// RouteEntry is an on-mesh prefix (External false) or an external route (External true) registered by
// the node at Rloc16.
type RouteEntry struct {
	Prefix     netip.Prefix
	Rloc16     Rloc16
	Preference RoutePreference
	Stable     bool
	External   bool
	Flags      BorderRouterFlags
}

func (r RouteEntry) String() string {
	kind := "on-mesh"
	if r.External {
		kind = "external"
	}
	return fmt.Sprintf("%s %s via %s (pref %d)", kind, r.Prefix, r.Rloc16, r.Preference)
}
