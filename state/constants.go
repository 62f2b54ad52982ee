package state

import "time"

var (
	// topology
	NeighborCapacity = 32
	ChildCapacity    = 10
	RouterCapacity   = 32
	NeighborTimeout  = 100 * time.Second
	RouterTimeout    = 100 * time.Second
	EvictionGrace    = 5 * time.Second

	// attach
	ParentResponseWindow   = 750 * time.Millisecond
	ChildIdResponseTimeout = 1250 * time.Millisecond
	AttachBackoff          = 5 * time.Second
	ChildTimeout           = 240 * time.Second
	ParentTimeout          = ChildTimeout
	ChildKeepAliveInterval = ChildTimeout / 4
	LeaderTimeout          = 120 * time.Second
	MinLeaderWeight        = uint8(0)
	DefaultLeaderWeight    = uint8(64)

	// routers
	AdvertisementInterval  = 8 * time.Second
	RouterUpgradeThreshold = 16
	RouterSelectionJitter  = 2 * time.Second
	AddressSolicitTimeout  = 3 * time.Second
	MaintenanceInterval    = time.Second
	ChallengeLength        = 8
	MaxIssuedChallenges    = 16

	// address resolution
	EidCacheCapacity         = 32
	AddressQueryCapacity     = 8
	AddressQueryTimeout      = 3 * time.Second
	AddressQueryInitialRetry = 15 * time.Second
	AddressQueryMaxRetry     = 8 * time.Hour

	// commissioning
	CommissionerSessionTimeout = 50 * time.Second

	// link
	DuplicateCacheSize = 256
	DefaultRadioGroup  = "[ff02::1:57ef]:19788"
	SafeMTU            = 1200

	// distribution
	DatasetUpdateDelay  = time.Second * 10
	DatasetFetchTimeout = time.Second * 10
	MaxBundleSize       = int64(64 << 10)
)

// Tunables carries the timeouts and capacities a node is constructed with. Zero fields are
// filled from the package defaults.
type Tunables struct {
	NeighborCapacity         int           `yaml:"neighbor_capacity,omitempty"`
	ChildCapacity            int           `yaml:"child_capacity,omitempty"`
	RouterCapacity           int           `yaml:"router_capacity,omitempty"`
	NeighborTimeout          time.Duration `yaml:"neighbor_timeout,omitempty"`
	RouterTimeout            time.Duration `yaml:"router_timeout,omitempty"`
	EvictionGrace            time.Duration `yaml:"eviction_grace,omitempty"`
	ParentResponseWindow     time.Duration `yaml:"parent_response_window,omitempty"`
	ChildIdResponseTimeout   time.Duration `yaml:"child_id_response_timeout,omitempty"`
	AttachBackoff            time.Duration `yaml:"attach_backoff,omitempty"`
	ChildTimeout             time.Duration `yaml:"child_timeout,omitempty"`
	ParentTimeout            time.Duration `yaml:"parent_timeout,omitempty"`
	ChildKeepAliveInterval   time.Duration `yaml:"child_keep_alive_interval,omitempty"`
	LeaderTimeout            time.Duration `yaml:"leader_timeout,omitempty"`
	MinLeaderWeight          uint8         `yaml:"min_leader_weight,omitempty"`
	AdvertisementInterval    time.Duration `yaml:"advertisement_interval,omitempty"`
	RouterUpgradeThreshold   int           `yaml:"router_upgrade_threshold,omitempty"`
	RouterSelectionJitter    time.Duration `yaml:"router_selection_jitter,omitempty"`
	AddressSolicitTimeout    time.Duration `yaml:"address_solicit_timeout,omitempty"`
	MaintenanceInterval      time.Duration `yaml:"maintenance_interval,omitempty"`
	EidCacheCapacity         int           `yaml:"eid_cache_capacity,omitempty"`
	AddressQueryCapacity     int           `yaml:"address_query_capacity,omitempty"`
	AddressQueryTimeout      time.Duration `yaml:"address_query_timeout,omitempty"`
	AddressQueryInitialRetry time.Duration `yaml:"address_query_initial_retry,omitempty"`
	AddressQueryMaxRetry     time.Duration `yaml:"address_query_max_retry,omitempty"`
	DuplicateCacheSize       int           `yaml:"duplicate_cache_size,omitempty"`

	CommissionerSessionTimeout time.Duration `yaml:"commissioner_session_timeout,omitempty"`
}

func DefaultTunables() Tunables {
	return Tunables{
		NeighborCapacity:         NeighborCapacity,
		ChildCapacity:            ChildCapacity,
		RouterCapacity:           RouterCapacity,
		NeighborTimeout:          NeighborTimeout,
		RouterTimeout:            RouterTimeout,
		EvictionGrace:            EvictionGrace,
		ParentResponseWindow:     ParentResponseWindow,
		ChildIdResponseTimeout:   ChildIdResponseTimeout,
		AttachBackoff:            AttachBackoff,
		ChildTimeout:             ChildTimeout,
		ParentTimeout:            ParentTimeout,
		ChildKeepAliveInterval:   ChildKeepAliveInterval,
		LeaderTimeout:            LeaderTimeout,
		MinLeaderWeight:          MinLeaderWeight,
		AdvertisementInterval:    AdvertisementInterval,
		RouterUpgradeThreshold:   RouterUpgradeThreshold,
		RouterSelectionJitter:    RouterSelectionJitter,
		AddressSolicitTimeout:    AddressSolicitTimeout,
		MaintenanceInterval:      MaintenanceInterval,
		EidCacheCapacity:         EidCacheCapacity,
		AddressQueryCapacity:     AddressQueryCapacity,
		AddressQueryTimeout:      AddressQueryTimeout,
		AddressQueryInitialRetry: AddressQueryInitialRetry,
		AddressQueryMaxRetry:     AddressQueryMaxRetry,
		DuplicateCacheSize:       DuplicateCacheSize,

		CommissionerSessionTimeout: CommissionerSessionTimeout,
	}
}

func orDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

// WithDefaults fills every zero field from DefaultTunables.
func (t Tunables) WithDefaults() Tunables {
	d := DefaultTunables()
	orDefault(&t.NeighborCapacity, d.NeighborCapacity)
	orDefault(&t.ChildCapacity, d.ChildCapacity)
	orDefault(&t.RouterCapacity, d.RouterCapacity)
	orDefault(&t.NeighborTimeout, d.NeighborTimeout)
	orDefault(&t.RouterTimeout, d.RouterTimeout)
	orDefault(&t.EvictionGrace, d.EvictionGrace)
	orDefault(&t.ParentResponseWindow, d.ParentResponseWindow)
	orDefault(&t.ChildIdResponseTimeout, d.ChildIdResponseTimeout)
	orDefault(&t.AttachBackoff, d.AttachBackoff)
	orDefault(&t.ChildTimeout, d.ChildTimeout)
	orDefault(&t.ParentTimeout, d.ParentTimeout)
	orDefault(&t.ChildKeepAliveInterval, d.ChildKeepAliveInterval)
	orDefault(&t.LeaderTimeout, d.LeaderTimeout)
	orDefault(&t.MinLeaderWeight, d.MinLeaderWeight)
	orDefault(&t.AdvertisementInterval, d.AdvertisementInterval)
	orDefault(&t.RouterUpgradeThreshold, d.RouterUpgradeThreshold)
	orDefault(&t.RouterSelectionJitter, d.RouterSelectionJitter)
	orDefault(&t.AddressSolicitTimeout, d.AddressSolicitTimeout)
	orDefault(&t.MaintenanceInterval, d.MaintenanceInterval)
	orDefault(&t.EidCacheCapacity, d.EidCacheCapacity)
	orDefault(&t.AddressQueryCapacity, d.AddressQueryCapacity)
	orDefault(&t.AddressQueryTimeout, d.AddressQueryTimeout)
	orDefault(&t.AddressQueryInitialRetry, d.AddressQueryInitialRetry)
	orDefault(&t.AddressQueryMaxRetry, d.AddressQueryMaxRetry)
	orDefault(&t.DuplicateCacheSize, d.DuplicateCacheSize)
	orDefault(&t.CommissionerSessionTimeout, d.CommissionerSessionTimeout)
	return t
}
