package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path"
	"reflect"
	"runtime"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/encodeous/tint"
	"github.com/encodeous/weft/perf"
	"github.com/encodeous/weft/state"
	"github.com/goccy/go-yaml"
	slogmulti "github.com/samber/slog-multi"
)

func setupDebugging() func() {
	stop := func() {}
	if state.DBG_trace {
		f, err := os.Create("trace.out")
		if err != nil {
			log.Fatal(err)
		}
		err = trace.Start(f)
		if err != nil {
			log.Println("failed to start tracing:", err)
			_ = f.Close()
		} else {
			log.Println("Started tracing")
			stop = func() {
				trace.Stop()
				_ = f.Close()
			}
		}
	}
	if state.DBG_debug {
		go func() {
			log.Println(http.ListenAndServe("0.0.0.0:6060", nil))
		}()
	}
	return stop
}

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

// loadDataset reads the dataset file. On first start a node with a distribution repo fetches the dataset
// from it instead and keeps a copy.
func loadDataset(datasetPath string, nodeCfg *state.LocalCfg) (*state.DatasetCfg, error) {
	cfg, err := readYaml[state.DatasetCfg](datasetPath)
	if !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}
	if nodeCfg.Dist == nil {
		return nil, fmt.Errorf("%s not found and node config has no dist config", datasetPath)
	}
	ds, err := FetchDataset(nodeCfg.Dist.Url, nodeCfg.Dist.Key)
	if err != nil {
		return nil, err
	}
	fetched := state.DatasetCfgFrom(ds)
	bytes, err := yaml.Marshal(fetched)
	if err != nil {
		return nil, err
	}
	return &fetched, os.WriteFile(datasetPath, bytes, 0600)
}

// Bootstrap loads and validates the configs and runs the node until it is signalled to stop.
func Bootstrap(nodePath, datasetPath, logPath string, verbose bool) error {
	defer setupDebugging()()
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	nodeCfg, err := readYaml[state.LocalCfg](nodePath)
	if err != nil {
		return err
	}
	if logPath != "" {
		nodeCfg.LogPath = logPath
	}
	err = state.NodeConfigValidator(nodeCfg)
	if err != nil {
		return err
	}
	dsCfg, err := loadDataset(datasetPath, nodeCfg)
	if err != nil {
		return err
	}
	ds := dsCfg.Dataset()
	err = state.DatasetValidator(&ds)
	if err != nil {
		return err
	}
	return Start(*nodeCfg, *dsCfg, level, datasetPath, nil)
}

// NewLogger builds the console logger, teeing into a text file when LogPath is set.
func NewLogger(ncfg state.LocalCfg, logLevel slog.Level) (*slog.Logger, error) {
	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        logLevel,
			AddSource:    false,
			CustomPrefix: ncfg.Id,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	if ncfg.LogPath != "" {
		err := os.MkdirAll(path.Dir(ncfg.LogPath), 0700)
		if err != nil {
			return nil, err
		}
		f, err := os.OpenFile(ncfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
	}

	return slog.New(slogmulti.Fanout(handlers...)), nil
}

// Start runs a node until its context is cancelled. onStart, when set, is called with the initialized state
// just before the main loop takes over; after that the state must only be touched through Dispatch.
func Start(ncfg state.LocalCfg, dataset state.DatasetCfg, logLevel slog.Level, configPath string, onStart func(*state.State)) error {
	ctx, cancel := context.WithCancelCause(context.Background())

	dispatch := make(chan func(env *state.State) error, 128)

	logger, err := NewLogger(ncfg, logLevel)
	if err != nil {
		cancel(err)
		return err
	}

	s := state.State{
		Modules: make(map[string]state.Module),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			LocalCfg:        ncfg,
			Dataset:         dataset,
			Log:             logger,
			ConfigPath:      configPath,
		},
	}
	s.Log.Info("init modules")
	err = initModules(&s)
	if err != nil {
		Stop(&s)
		return err
	}
	s.Log.Info("init modules complete")

	s.Log.Info("Weft has been initialized. To gracefully exit, send SIGINT or Ctrl+C.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case <-c:
			s.Cancel(errors.New("received shutdown signal"))
		case <-ctx.Done():
			return
		}
	}()

	if onStart != nil {
		onStart(&s)
	}
	return MainLoop(&s, dispatch)
}

func initModules(s *state.State) error {
	var modules []state.Module
	modules = append(modules, &Weft{})

	for _, module := range modules {
		s.Modules[reflect.TypeOf(module).String()] = module
		if err := module.Init(s); err != nil {
			return err
		}
	}
	return nil
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	s.Started.Store(true)
	for {
		select {
		case fun := <-dispatch:
			if fun == nil {
				goto endLoop
			}
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch: ", "error", err)
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
			if elapsed > time.Millisecond*4 {
				s.Log.Warn("dispatch took a long time!", "fun", runtime.FuncForPC(reflect.ValueOf(fun).Pointer()).Name(), "elapsed", elapsed, "len", len(dispatch))
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Info("stopped main loop", "reason", context.Cause(s.Context).Error())
	Stop(s)
	return nil
}

func Stop(s *state.State) {
	if s.Stopping.Swap(true) {
		return // don't stop twice
	}
	s.Cancel(context.Canceled)
	if s.DispatchChannel != nil {
		close(s.DispatchChannel)
		s.DispatchChannel = nil
	}
	s.Log.Info("cleaning up modules")
	for moduleName, module := range s.Modules {
		err := module.Cleanup(s)
		if err != nil {
			s.Log.Error("error occurred during Stop: ", "module", moduleName, "error", err)
		}
	}
	s.Log.Info("stopped")
}
