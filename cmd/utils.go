package cmd

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/encodeous/weft/state"
	"github.com/goccy/go-yaml"
)

func readYaml[T any](path string) (*T, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v T
	if err := yaml.Unmarshal(file, &v); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &v, nil
}

func writeYaml(path string, v any) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0600)
}

func randomBytes(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
}

func readDistKey() (state.PrivateKey, error) {
	var key state.PrivateKey
	b, err := os.ReadFile(distKeyPath)
	if err != nil {
		return key, err
	}
	err = key.UnmarshalText(trimLine(b))
	return key, err
}

func trimLine(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}
