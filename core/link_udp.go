package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/encodeous/weft/perf"
	"github.com/encodeous/weft/state"
	"golang.org/x/net/ipv6"
	"google.golang.org/protobuf/encoding/protowire"
)

// envelope field numbers
const (
	envSrc      protowire.Number = 1
	envDstShort protowire.Number = 2
	envDstExt   protowire.Number = 3
	envPayload  protowire.Number = 4
	envRssi     protowire.Number = 5
)

type envelope struct {
	src     state.ExtAddress
	dst     state.LinkAddr
	payload []byte
	rssi    int8
}

func (e *envelope) marshal() []byte {
	b := make([]byte, 0, len(e.payload)+32)
	b = protowire.AppendTag(b, envSrc, protowire.BytesType)
	b = protowire.AppendBytes(b, e.src[:])
	if e.dst.Extended {
		b = protowire.AppendTag(b, envDstExt, protowire.BytesType)
		b = protowire.AppendBytes(b, e.dst.Ext[:])
	} else {
		b = protowire.AppendTag(b, envDstShort, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.dst.Short))
	}
	b = protowire.AppendTag(b, envPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.payload)
	b = protowire.AppendTag(b, envRssi, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(e.rssi)))
	return b
}

func parseEnvelope(b []byte) (*envelope, error) {
	e := &envelope{}
	seenSrc := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("envelope tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == envSrc && typ == protowire.BytesType, num == envDstExt && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("envelope field %d: %w", num, protowire.ParseError(n))
			}
			if len(v) != 8 {
				return nil, fmt.Errorf("envelope field %d has %d bytes: %w", num, len(v), state.ErrParse)
			}
			if num == envSrc {
				copy(e.src[:], v)
				seenSrc = true
			} else {
				copy(e.dst.Ext[:], v)
				e.dst.Extended = true
			}
			b = b[n:]
		case num == envPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("envelope payload: %w", protowire.ParseError(n))
			}
			e.payload = v
			b = b[n:]
		case num == envDstShort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("envelope dst: %w", protowire.ParseError(n))
			}
			e.dst.Short = state.Rloc16(v)
			b = b[n:]
		case num == envRssi && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("envelope rssi: %w", protowire.ParseError(n))
			}
			e.rssi = int8(protowire.DecodeZigZag(v))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("envelope field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !seenSrc {
		return nil, fmt.Errorf("envelope without source: %w", state.ErrParse)
	}
	return e, nil
}

// SimRadio emulates one shared radio channel over an IPv6 multicast group. Every node on the group hears
// every frame and filters by destination itself.
type SimRadio struct {
	log   *slog.Logger
	ext   state.ExtAddress
	rssi  int8
	conn  net.PacketConn
	pconn *ipv6.PacketConn
	group *net.UDPAddr

	mu      sync.Mutex
	margins map[state.ExtAddress]uint8
	wg      sync.WaitGroup
}

func NewSimRadio(ctx context.Context, log *slog.Logger, cfg state.RadioCfg, ext state.ExtAddress) (*SimRadio, error) {
	groupStr := cfg.Group
	if groupStr == "" {
		groupStr = state.DefaultRadioGroup
	}
	group, err := net.ResolveUDPAddr("udp6", groupStr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve radio group %s: %w", groupStr, err)
	}
	var ifi *net.Interface
	if cfg.Interface != "" {
		ifi, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("failed to find interface %s: %w", cfg.Interface, err)
		}
	}
	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(ctx, "udp6", fmt.Sprintf("[::]:%d", group.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind radio socket: %w", err)
	}
	pconn := ipv6.NewPacketConn(conn)
	if err := pconn.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to join %s: %w", group.IP, err)
	}
	if ifi != nil {
		if err := pconn.SetMulticastInterface(ifi); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to select interface %s: %w", ifi.Name, err)
		}
	}
	if err := pconn.SetMulticastLoopback(cfg.Loopback); err != nil {
		log.Warn("failed to set multicast loopback", "error", err)
	}
	if err := pconn.SetMulticastHopLimit(1); err != nil {
		log.Warn("failed to set multicast hop limit", "error", err)
	}
	rssi := cfg.Rssi
	if rssi == 0 {
		rssi = -60
	}
	return &SimRadio{
		log:     log,
		ext:     ext,
		rssi:    rssi,
		conn:    conn,
		pconn:   pconn,
		group:   group,
		margins: make(map[state.ExtAddress]uint8),
	}, nil
}

func (r *SimRadio) SendFrame(payload []byte, dst state.LinkAddr) error {
	if len(payload) > state.SafeMTU {
		return fmt.Errorf("frame of %d bytes exceeds mtu %d: %w", len(payload), state.SafeMTU, state.ErrNoBufs)
	}
	env := envelope{src: r.ext, dst: dst, payload: payload, rssi: r.rssi}
	if _, err := r.pconn.WriteTo(env.marshal(), nil, r.group); err != nil {
		return fmt.Errorf("radio write: %w: %w", err, state.ErrChannelAccessFailure)
	}
	return nil
}

// LinkQuality is derived from the margin of the last frame heard from ext.
func (r *SimRadio) LinkQuality(ext state.ExtAddress) uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return LinkQualityFromMargin(r.margins[ext])
}

// Start reads frames until the socket is closed, passing each to deliver on the reader goroutine.
func (r *SimRadio) Start(deliver func(payload []byte, info FrameInfo)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		buf := make([]byte, 64*1024)
		for {
			n, _, _, err := r.pconn.ReadFrom(buf)
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					r.log.Error("radio read failed", "error", err)
				}
				return
			}
			env, err := parseEnvelope(buf[:n])
			if err != nil {
				perf.FramesDropped.Add(1)
				if state.DBG_log_frames {
					r.log.Debug("bad radio envelope", "error", err)
				}
				continue
			}
			if env.src == r.ext {
				continue
			}
			m := linkMargin(env.rssi)
			r.mu.Lock()
			r.margins[env.src] = m
			r.mu.Unlock()
			payload := make([]byte, len(env.payload))
			copy(payload, env.payload)
			deliver(payload, FrameInfo{
				Src:         env.src,
				Dst:         env.dst,
				Rssi:        env.rssi,
				LinkQuality: LinkQualityFromMargin(m),
			})
		}
	}()
}

func (r *SimRadio) Close() error {
	err := r.conn.Close()
	r.wg.Wait()
	return err
}
