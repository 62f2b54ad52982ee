package core

import (
	"crypto/sha256"

	"github.com/encodeous/weft/state"
)

const (
	crcCcittPoly = 0x1021
	crcAnsiPoly  = 0x8005
)

func crc16(poly uint16, data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// steeringBits returns the two filter bits of a joiner: CRC16-CCITT and CRC16-ANSI of its id.
func steeringBits(id state.JoinerId, numBits int) (int, int) {
	return int(crc16(crcCcittPoly, id[:])) % numBits, int(crc16(crcAnsiPoly, id[:])) % numBits
}

func AddJoiner(sd *state.SteeringData, id state.JoinerId) {
	if sd.Length == 0 {
		return
	}
	a, b := steeringBits(id, sd.NumBits())
	sd.SetBit(a)
	sd.SetBit(b)
}

// SteeringContains never misses an added joiner; unrelated joiners pass with probability FalsePositiveBound.
func SteeringContains(sd state.SteeringData, id state.JoinerId) bool {
	if sd.Length == 0 {
		return false
	}
	a, b := steeringBits(id, sd.NumBits())
	return sd.GetBit(a) && sd.GetBit(b)
}

// FalsePositiveBound is the chance that both bits of an unrelated joiner are already set.
func FalsePositiveBound(sd state.SteeringData) float64 {
	r := sd.FillRatio()
	return r * r
}

// BuildSteeringData sizes a filter of length bytes and adds every joiner.
func BuildSteeringData(length int, ids ...state.JoinerId) state.SteeringData {
	sd := state.NewSteeringData(length)
	for _, id := range ids {
		AddJoiner(&sd, id)
	}
	return sd
}

// JoinerIdFromEUI64 is the first 8 bytes of SHA-256(eui64) with the local bit set.
func JoinerIdFromEUI64(eui64 state.ExtAddress) state.JoinerId {
	sum := sha256.Sum256(eui64[:])
	var id state.JoinerId
	copy(id[:], sum[:8])
	id[0] |= 0x02
	return id
}
