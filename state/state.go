package state

import (
	"context"
	"log/slog"
	"sync/atomic"
)

type Module interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State access must be done only on a single Goroutine
type State struct {
	*Env
	Modules map[string]Module
}

// Env can be read from any Goroutine
type Env struct {
	DispatchChannel chan<- func(s *State) error
	LocalCfg
	Dataset    DatasetCfg
	ConfigPath string
	Context    context.Context
	Cancel     context.CancelCauseFunc
	Log        *slog.Logger
	Started    atomic.Bool
	Stopping   atomic.Bool
}
