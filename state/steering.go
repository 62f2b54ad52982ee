package state

import (
	"encoding/hex"
	"math/bits"
)

// SteeringData is the joiner Bloom filter, 1 to 16 bytes long. Bit n lives in byte len-1-n/8.
type SteeringData struct {
	Bytes  [MaxSteeringDataLength]byte
	Length uint8
}

func NewSteeringData(length int) SteeringData {
	length = max(1, min(length, MaxSteeringDataLength))
	return SteeringData{Length: uint8(length)}
}

func SteeringDataFromBytes(b []byte) SteeringData {
	s := SteeringData{Length: uint8(len(b))}
	copy(s.Bytes[:], b)
	return s
}

func (s SteeringData) Data() []byte {
	return s.Bytes[:s.Length]
}

func (s SteeringData) NumBits() int {
	return int(s.Length) * 8
}

func (s *SteeringData) SetBit(bit int) {
	s.Bytes[int(s.Length)-1-bit/8] |= 1 << (bit % 8)
}

func (s SteeringData) GetBit(bit int) bool {
	return s.Bytes[int(s.Length)-1-bit/8]&(1<<(bit%8)) != 0
}

// SetAll makes the filter admit every joiner.
func (s *SteeringData) SetAll() {
	for i := range s.Length {
		s.Bytes[i] = 0xff
	}
}

func (s *SteeringData) Clear() {
	s.Bytes = [MaxSteeringDataLength]byte{}
}

// IsEmpty is true when no joiner is admitted.
func (s SteeringData) IsEmpty() bool {
	for _, b := range s.Data() {
		if b != 0 {
			return false
		}
	}
	return true
}

func (s SteeringData) PermitsAll() bool {
	if s.Length == 0 {
		return false
	}
	for _, b := range s.Data() {
		if b != 0xff {
			return false
		}
	}
	return true
}

func (s SteeringData) FillRatio() float64 {
	if s.Length == 0 {
		return 0
	}
	set := 0
	for _, b := range s.Data() {
		set += bits.OnesCount8(b)
	}
	return float64(set) / float64(s.NumBits())
}

func (s SteeringData) String() string {
	return hex.EncodeToString(s.Data())
}
