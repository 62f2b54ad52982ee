//go:build !linux && !darwin

package core

import "syscall"

func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}
