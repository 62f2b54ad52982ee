package state

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

func (k PrivateKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k[:])), nil
}
func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k[:])), nil
}
func (k *PrivateKey) UnmarshalText(text []byte) error {
	return unmarshalBase64(k[:], text)
}
func (k *PublicKey) UnmarshalText(text []byte) error {
	return unmarshalBase64(k[:], text)
}

func unmarshalBase64(dst []byte, text []byte) error {
	data, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(data) != len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", len(dst), len(data))
	}
	copy(dst, data)
	return nil
}

func unmarshalHex(dst []byte, text []byte) error {
	s := strings.ReplaceAll(strings.TrimPrefix(string(text), "0x"), ":", "")
	data, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(data) != len(dst) {
		return fmt.Errorf("expected %d hex bytes, got %d", len(dst), len(data))
	}
	copy(dst, data)
	return nil
}

func (e ExtAddress) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}
func (e *ExtAddress) UnmarshalText(text []byte) error {
	return unmarshalHex(e[:], text)
}

func (k NetworkKey) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(k[:])), nil
}
func (k *NetworkKey) UnmarshalText(text []byte) error {
	return unmarshalHex(k[:], text)
}

func (p Pskc) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(p[:])), nil
}
func (p *Pskc) UnmarshalText(text []byte) error {
	return unmarshalHex(p[:], text)
}

func (x ExtPanId) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(x[:])), nil
}
func (x *ExtPanId) UnmarshalText(text []byte) error {
	return unmarshalHex(x[:], text)
}

func (m MeshLocalPrefix) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(m[:])), nil
}
func (m *MeshLocalPrefix) UnmarshalText(text []byte) error {
	return unmarshalHex(m[:], text)
}

func (j JoinerId) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(j[:])), nil
}
func (j *JoinerId) UnmarshalText(text []byte) error {
	return unmarshalHex(j[:], text)
}
