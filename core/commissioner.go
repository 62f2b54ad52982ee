package core

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash"
	"log/slog"
	"time"

	"github.com/dchest/cmac"
	"github.com/encodeous/weft/state"
	"github.com/google/uuid"
)

type Verdict uint8

const (
	Reject Verdict = iota
	Accept
)

func (v Verdict) String() string {
	if v == Accept {
		return "accept"
	}
	return "reject"
}

type PolicyDecision uint8

const (
	Denied PolicyDecision = iota
	Allowed
)

func (d PolicyDecision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "denied"
}

// PolicyAction is a protocol behaviour gated by the security policy flags.
type PolicyAction uint8

const (
	ActionNativeCommissioning PolicyAction = iota
	ActionExternalCommissioner
	ActionObtainNetworkKey
	ActionRouterUpgrade
)

var actionFlags = map[PolicyAction]state.SecurityPolicyFlags{
	ActionNativeCommissioning:  state.PolicyNativeCommissioning,
	ActionExternalCommissioner: state.PolicyExternalCommissioner,
	ActionObtainNetworkKey:     state.PolicyObtainNetworkKey,
	ActionRouterUpgrade:        state.PolicyRouters,
}

func (a PolicyAction) String() string {
	switch a {
	case ActionNativeCommissioning:
		return "native-commissioning"
	case ActionExternalCommissioner:
		return "external-commissioner"
	case ActionObtainNetworkKey:
		return "obtain-network-key"
	case ActionRouterUpgrade:
		return "router-upgrade"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

type SessionKind uint8

const (
	NativeSession SessionKind = iota
	ExternalSession
)

func (k SessionKind) action() PolicyAction {
	if k == ExternalSession {
		return ActionExternalCommissioner
	}
	return ActionNativeCommissioning
}

// Session is the live commissioning session. Only one exists at a time.
type Session struct {
	Id             uint16
	Kind           SessionKind
	Locator        state.Rloc16
	CommissionerId string
}

// CommissioningAuthority admits joiners against the steering data and a PSKc proof, and gates
// behaviours on the active security policy. Datasets are read from the network data store. A session
// that is not kept alive within timeout ends by itself.
type CommissioningAuthority struct {
	log     *slog.Logger
	clock   Clock
	netdata *NetworkDataStore
	timeout time.Duration

	nextSession uint16
	session     *Session
	expiry      Timer
}

func NewCommissioningAuthority(log *slog.Logger, clock Clock, netdata *NetworkDataStore, timeout time.Duration) *CommissioningAuthority {
	return &CommissioningAuthority{log: log, clock: clock, netdata: netdata, timeout: timeout}
}

func (c *CommissioningAuthority) EnforcePolicy(action PolicyAction) PolicyDecision {
	if c.netdata.Policy().Allows(actionFlags[action]) {
		return Allowed
	}
	return Denied
}

func (c *CommissioningAuthority) TestSteering(id state.JoinerId) bool {
	sd, ok := c.netdata.Commissioning().SteeringData.Get()
	return ok && SteeringContains(sd, id)
}

// BeginSession replaces any live session with a new one under the next session id.
func (c *CommissioningAuthority) BeginSession(kind SessionKind, locator state.Rloc16) (Session, error) {
	if c.EnforcePolicy(kind.action()) == Denied {
		return Session{}, fmt.Errorf("%s session: %w", kind.action(), state.ErrSecurity)
	}
	c.nextSession++
	s := &Session{
		Id:             c.nextSession,
		Kind:           kind,
		Locator:        locator,
		CommissionerId: uuid.NewString(),
	}
	if c.session != nil {
		c.log.Info("commissioning session replaced", "old", c.session.Id, "new", s.Id)
	}
	c.session = s
	c.keepAlive()
	cds := c.netdata.Commissioning()
	cds.SessionId = state.Some(s.Id)
	cds.BorderAgentLocator = state.Some(locator)
	c.netdata.SetCommissioning(cds)
	return *s, nil
}

func (c *CommissioningAuthority) keepAlive() {
	stopTimer(&c.expiry)
	id := c.session.Id
	c.expiry = c.clock.Schedule(c.timeout, func() {
		c.expiry = nil
		if c.session == nil || c.session.Id != id {
			return
		}
		c.log.Warn("commissioning session expired", "session", id)
		c.end()
	})
}

// KeepAlive extends the live session by another timeout.
func (c *CommissioningAuthority) KeepAlive(id uint16) error {
	if c.session == nil || c.session.Id != id {
		return fmt.Errorf("keep alive session %d: %w", id, state.ErrSecurity)
	}
	c.keepAlive()
	return nil
}

// Relocate moves the live session to the border agent's new locator.
func (c *CommissioningAuthority) Relocate(locator state.Rloc16) {
	if c.session == nil || c.session.Locator == locator {
		return
	}
	c.session.Locator = locator
	cds := c.netdata.Commissioning()
	cds.BorderAgentLocator = state.Some(locator)
	c.netdata.SetCommissioning(cds)
}

func (c *CommissioningAuthority) end() {
	stopTimer(&c.expiry)
	c.session = nil
	c.netdata.SetCommissioning(state.CommissioningDataset{})
}

func (c *CommissioningAuthority) Session() (Session, bool) {
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// UpdateSession installs a commissioning dataset sent by the commissioner. The dataset must carry the
// live session id.
func (c *CommissioningAuthority) UpdateSession(ds state.CommissioningDataset) error {
	id, ok := ds.SessionId.Get()
	if c.session == nil || !ok || id != c.session.Id {
		return fmt.Errorf("stale commissioning session %d: %w", id, state.ErrSecurity)
	}
	if err := state.CommissioningValidator(&ds); err != nil {
		return err
	}
	ds.BorderAgentLocator = state.Some(c.session.Locator)
	c.netdata.SetCommissioning(ds)
	return nil
}

func (c *CommissioningAuthority) EndSession(id uint16) error {
	if c.session == nil || c.session.Id != id {
		return fmt.Errorf("end session %d: %w", id, state.ErrSecurity)
	}
	c.end()
	return nil
}

// Authorize admits a joiner that passes the steering filter and proves knowledge of the PSKc for the
// live session.
func (c *CommissioningAuthority) Authorize(id state.JoinerId, proof []byte) (Verdict, error) {
	if c.session == nil {
		return Reject, fmt.Errorf("no commissioning session: %w", state.ErrInvalidState)
	}
	if c.EnforcePolicy(c.session.Kind.action()) == Denied {
		return Reject, fmt.Errorf("%s: %w", c.session.Kind.action(), state.ErrSecurity)
	}
	if !c.TestSteering(id) {
		return Reject, fmt.Errorf("joiner %x not steered: %w", id[:], state.ErrSecurity)
	}
	pskc, ok := c.netdata.Active().Pskc.Get()
	if !ok {
		return Reject, fmt.Errorf("no pskc: %w", state.ErrInvalidState)
	}
	expected, err := ComputeProof(pskc, id, c.session.Id)
	if err != nil {
		return Reject, err
	}
	if subtle.ConstantTimeCompare(expected, proof) != 1 {
		return Reject, fmt.Errorf("joiner %x proof mismatch: %w", id[:], state.ErrSecurity)
	}
	c.log.Info("joiner authorized", "joiner", fmt.Sprintf("%x", id[:]), "session", c.session.Id)
	return Accept, nil
}

// ExportDataset is the active dataset as handed to commissioners. The network key is withheld unless the
// security policy allows obtaining it.
func (c *CommissioningAuthority) ExportDataset() state.OperationalDataset {
	ds := c.netdata.Active()
	if c.EnforcePolicy(ActionObtainNetworkKey) == Denied {
		ds.NetworkKey.Clear()
	}
	return ds
}

// Reset ends the live session. Session ids keep increasing.
func (c *CommissioningAuthority) Reset() {
	if c.session != nil {
		c.end()
	}
}

func newCMAC(key []byte) (hash.Hash, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cmac.New(block)
}

// ComputeProof is AES-CMAC(pskc, joinerId || sessionId).
func ComputeProof(pskc state.Pskc, id state.JoinerId, session uint16) ([]byte, error) {
	mac, err := newCMAC(pskc[:])
	if err != nil {
		return nil, err
	}
	mac.Write(id[:])
	mac.Write(binary.BigEndian.AppendUint16(nil, session))
	return mac.Sum(nil), nil
}

const (
	pskcIterations      = 16384
	minPassphraseLength = 6
	maxPassphraseLength = 255
)

// cmacPrf128 is AES-CMAC-PRF-128: keys that are not 16 bytes are first reduced with a zero key.
func cmacPrf128(key []byte) (hash.Hash, error) {
	if len(key) != 16 {
		var zero [16]byte
		mac, err := newCMAC(zero[:])
		if err != nil {
			return nil, err
		}
		mac.Write(key)
		key = mac.Sum(nil)
	}
	return newCMAC(key)
}

// DerivePSKc runs PBKDF2 with AES-CMAC-PRF-128 over the passphrase, salted with
// "Thread" || extPanId || networkName.
func DerivePSKc(passphrase string, networkName string, extPanId state.ExtPanId) (state.Pskc, error) {
	var out state.Pskc
	if len(passphrase) < minPassphraseLength || len(passphrase) > maxPassphraseLength {
		return out, fmt.Errorf("passphrase must be %d to %d bytes: %w", minPassphraseLength, maxPassphraseLength, state.ErrInvalidArgs)
	}
	if len(networkName) > state.MaxNetworkNameLength {
		return out, fmt.Errorf("network name %q too long: %w", networkName, state.ErrInvalidArgs)
	}
	prf, err := cmacPrf128([]byte(passphrase))
	if err != nil {
		return out, err
	}
	salt := make([]byte, 0, 6+len(extPanId)+len(networkName)+4)
	salt = append(salt, "Thread"...)
	salt = append(salt, extPanId[:]...)
	salt = append(salt, networkName...)
	salt = binary.BigEndian.AppendUint32(salt, 1)

	prf.Write(salt)
	u := prf.Sum(nil)
	copy(out[:], u)
	for range pskcIterations - 1 {
		prf.Reset()
		prf.Write(u)
		u = prf.Sum(u[:0])
		for i := range out {
			out[i] ^= u[i]
		}
	}
	return out, nil
}
