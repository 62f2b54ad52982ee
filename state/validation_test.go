package state

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNameValidator_Valid(t *testing.T) {
	assert.NoError(t, NameValidator("1"))
	assert.NoError(t, NameValidator("ab_cd"))
	assert.NoError(t, NameValidator("abcd-a.com"))
}

func TestNameValidator_Invalid(t *testing.T) {
	assert.Error(t, NameValidator("1A"))
	assert.Error(t, NameValidator("node name"))
	assert.Error(t, NameValidator(""))
	assert.Error(t, NameValidator("\t"))
	assert.Error(t, NameValidator("abcd-a.com\\hi"))
	assert.Error(t, NameValidator(strings.Repeat("a", 200)))
}

func TestNodeConfigValidator(t *testing.T) {
	cfg := sampleLocalCfg()
	assert.NoError(t, NodeConfigValidator(&cfg))

	noExt := cfg
	noExt.ExtAddress = ExtAddress{}
	assert.ErrorContains(t, NodeConfigValidator(&noExt), "no ext_address")

	badGroup := cfg
	badGroup.Radio.Group = "[fd00::1]:1234"
	assert.ErrorContains(t, NodeConfigValidator(&badGroup), "multicast")

	mtd := cfg
	mtd.Mode.FullThreadDevice = false
	assert.ErrorContains(t, NodeConfigValidator(&mtd), "full thread device")

	conflict := cfg
	conflict.Allow = []ExtAddress{cfg.Deny[0]}
	assert.ErrorContains(t, NodeConfigValidator(&conflict), "both allowed and denied")

	keepAlive := cfg
	keepAlive.Tunables.ChildTimeout = ChildTimeout
	keepAlive.Tunables.ChildKeepAliveInterval = ChildTimeout
	assert.Error(t, NodeConfigValidator(&keepAlive))
}

func TestDatasetValidator(t *testing.T) {
	ds := OperationalDataset{
		NetworkName: Some("ok"),
		Channel:     Some(uint16(11)),
		ChannelMask: Some(ChannelMask(1 << 11)),
	}
	assert.NoError(t, DatasetValidator(&ds))

	bad := ds
	bad.Channel = Some(uint16(27))
	assert.ErrorIs(t, DatasetValidator(&bad), ErrInvalidArgs)

	bad = ds
	bad.ChannelMask = Some(ChannelMask(1 << 12))
	assert.ErrorIs(t, DatasetValidator(&bad), ErrInvalidArgs)

	bad = ds
	bad.NetworkName = Some(strings.Repeat("n", 17))
	assert.ErrorIs(t, DatasetValidator(&bad), ErrInvalidArgs)

	bad = ds
	bad.PanId = Some(uint16(0xffff))
	assert.ErrorIs(t, DatasetValidator(&bad), ErrInvalidArgs)

	bad = ds
	bad.SecurityPolicy = Some(SecurityPolicy{RotationHours: 0})
	assert.ErrorIs(t, DatasetValidator(&bad), ErrInvalidArgs)
	bad = ds
	bad.ActiveTimestamp = Some(Timestamp{Seconds: MaxTimestampSeconds + 1})
	assert.ErrorIs(t, DatasetValidator(&bad), ErrInvalidArgs)

	bad = ds
	bad.PendingTimestamp = Some(Timestamp{Ticks: MaxTimestampTicks + 1})
	assert.ErrorIs(t, DatasetValidator(&bad), ErrInvalidArgs)

	bad = ds
	bad.DelayTimer = Some(1500 * time.Microsecond)
	assert.ErrorIs(t, DatasetValidator(&bad), ErrInvalidArgs)

	bad = ds
	bad.DelayTimer = Some(MaxDelayTimer + time.Millisecond)
	assert.ErrorIs(t, DatasetValidator(&bad), ErrInvalidArgs)

	bad = ds
	bad.NetworkName = Some("")
	assert.ErrorIs(t, DatasetValidator(&bad), ErrInvalidArgs)
}

func TestCommissioningValidator(t *testing.T) {
	ds := CommissioningDataset{SteeringData: Some(NewSteeringData(1))}
	assert.NoError(t, CommissioningValidator(&ds))
	ds.SteeringData = Some(SteeringData{})
	assert.ErrorIs(t, CommissioningValidator(&ds), ErrInvalidArgs)
	assert.NoError(t, CommissioningValidator(&CommissioningDataset{}))
}
