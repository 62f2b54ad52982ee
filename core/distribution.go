package core

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/encodeous/weft/state"
	"github.com/goccy/go-yaml"
)

// BundleDataset signs and seals the meshcop TLV form of ds. A dataset without an active timestamp is
// stamped with the current time so nodes holding an older dataset take it.
func BundleDataset(ds state.OperationalDataset, key state.PrivateKey) (string, error) {
	if err := state.DatasetValidator(&ds); err != nil {
		return "", err
	}
	if !ds.ActiveTimestamp.Present {
		ds.ActiveTimestamp.Set(state.Timestamp{Seconds: uint64(time.Now().Unix())})
	}
	return state.SealEnvelope(EncodeTLV(state.Dataset{Operational: ds}), key)
}

// UnbundleDataset opens a bundle made by BundleDataset. Bundles without an active timestamp are refused,
// since no node could ever merge them.
func UnbundleDataset(bundle string, pub state.PublicKey) (state.OperationalDataset, error) {
	body, err := state.OpenEnvelope(bundle, pub)
	if err != nil {
		return state.OperationalDataset{}, err
	}
	ds, err := DecodeTLV(body)
	if err != nil {
		return state.OperationalDataset{}, err
	}
	if !ds.Operational.ActiveTimestamp.Present {
		return state.OperationalDataset{}, fmt.Errorf("bundle has no active timestamp: %w", state.ErrInvalidArgs)
	}
	if err := state.DatasetValidator(&ds.Operational); err != nil {
		return state.OperationalDataset{}, err
	}
	return ds.Operational, nil
}

func readRepo(repo *url.URL) ([]byte, error) {
	switch repo.Scheme {
	case "file":
		p := repo.Opaque
		if p == "" {
			p = repo.Path
		}
		return os.ReadFile(p)
	case "http", "https":
		client := http.Client{Timeout: state.DatasetFetchTimeout}
		res, err := client.Get(repo.String())
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("status %s", res.Status)
		}
		return io.ReadAll(io.LimitReader(res.Body, state.MaxBundleSize))
	default:
		return nil, fmt.Errorf("unsupported repo scheme %q", repo.Scheme)
	}
}

// FetchDataset reads a bundle from a file: or http(s): url and opens it.
func FetchDataset(repoStr string, key state.PublicKey) (state.OperationalDataset, error) {
	repo, err := url.Parse(repoStr)
	if err != nil {
		return state.OperationalDataset{}, fmt.Errorf("failed to parse repo URL %s: %w", repoStr, err)
	}
	body, err := readRepo(repo)
	if err != nil {
		return state.OperationalDataset{}, fmt.Errorf("failed to read %s: %w", repoStr, err)
	}
	ds, err := UnbundleDataset(string(body), key)
	if err != nil {
		return state.OperationalDataset{}, fmt.Errorf("failed to unbundle dataset from %s: %w", repoStr, err)
	}
	return ds, nil
}

// checkForDatasetUpdates fetches the repo off the dispatch goroutine and offers the result to the node as
// an active dataset. Adopted datasets are written back to the dataset file.
func checkForDatasetUpdates(s *state.State) error {
	if s.Dist == nil {
		return errors.New("weft is not configured for dataset distribution")
	}
	e := s.Env
	dist := *s.Dist
	go func() {
		ds, err := FetchDataset(dist.Url, dist.Key)
		if err != nil {
			if state.DBG_log_repo_updates {
				e.Log.Error("error fetching dataset", "repo", dist.Url, "err", err.Error())
			}
			return
		}
		e.Dispatch(func(s *state.State) error {
			w := Get[*Weft](s)
			outcome := w.MergeDataset(ActiveDataset, ds)
			if outcome != MergeAccepted {
				if state.DBG_log_repo_updates {
					e.Log.Debug("skipping dataset bundle", "repo", dist.Url, "outcome", outcome)
				}
				return nil
			}
			e.Log.Info("adopted dataset from repo", "repo", dist.Url, "active_timestamp", ds.ActiveTimestamp.Value.Seconds)
			return persistDataset(s)
		})
	}()
	return nil
}

// persistDataset writes the node's active dataset to the dataset file so a restart resumes from it.
func persistDataset(s *state.State) error {
	if s.ConfigPath == "" {
		return nil
	}
	w := Get[*Weft](s)
	cfg := state.DatasetCfgFrom(w.NetData.Active())
	bytes, err := yaml.Marshal(cfg)
	if err != nil {
		s.Log.Error("error marshalling dataset", "err", err.Error())
		return nil
	}
	if err := os.WriteFile(s.ConfigPath, bytes, 0600); err != nil {
		s.Log.Error("error writing dataset", "path", s.ConfigPath, "err", err.Error())
	}
	s.Dataset = cfg
	return nil
}
