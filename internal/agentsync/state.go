package agentsync

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// agentState is persisted between runs. Delivery progress itself lives in
// the source database markers; this file only holds bootstrap facts and the
// rejection counts of rows the receiver keeps refusing.
type agentState struct {
	BootstrappedAt  time.Time                 `json:"bootstrappedAt,omitempty"`
	Cutoff          string                    `json:"cutoff,omitempty"`
	LastMaintenance time.Time                 `json:"lastMaintenance,omitempty"`
	Rejections      map[string]map[string]int `json:"rejections,omitempty"`
}

func (st *agentState) bootstrapped() bool { return !st.BootstrappedAt.IsZero() }

// reject increments and returns the rejection count of identity in table.
func (st *agentState) reject(table, identity string) int {
	if st.Rejections == nil {
		st.Rejections = map[string]map[string]int{}
	}
	key := strings.ToUpper(table)
	if st.Rejections[key] == nil {
		st.Rejections[key] = map[string]int{}
	}
	st.Rejections[key][identity]++
	return st.Rejections[key][identity]
}

// forget drops the rejection counts of identities that were delivered or
// quarantined. It reports whether anything changed.
func (st *agentState) forget(table string, identities ...string) bool {
	key := strings.ToUpper(table)
	counts := st.Rejections[key]
	if len(counts) == 0 {
		return false
	}
	changed := false
	for _, id := range identities {
		if _, ok := counts[id]; ok {
			delete(counts, id)
			changed = true
		}
	}
	if len(counts) == 0 {
		delete(st.Rejections, key)
	}
	return changed
}

// StateSummary is the part of the state file reported by status.
type StateSummary struct {
	BootstrappedAt  time.Time
	Cutoff          string
	LastMaintenance time.Time
	// Rejected counts rows with at least one permanent rejection, by table.
	Rejected map[string]int
}

// ReadStateSummary summarizes the state file at path. A missing file is an
// empty summary.
func ReadStateSummary(path string) (StateSummary, error) {
	state, err := readStateFile(path)
	if err != nil {
		return StateSummary{}, err
	}
	sum := StateSummary{
		BootstrappedAt:  state.BootstrappedAt,
		Cutoff:          state.Cutoff,
		LastMaintenance: state.LastMaintenance,
		Rejected:        map[string]int{},
	}
	for table, counts := range state.Rejections {
		sum.Rejected[table] = len(counts)
	}
	return sum, nil
}

// ForgetRejections drops every rejection count of tables from the state
// file at path, so re-armed rows start over.
func ForgetRejections(path string, tables []string) error {
	state, err := readStateFile(path)
	if err != nil {
		return err
	}
	changed := false
	for _, t := range tables {
		key := strings.ToUpper(t)
		if _, ok := state.Rejections[key]; ok {
			delete(state.Rejections, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return writeStateFile(path, state)
}

func readStateFile(path string) (agentState, error) {
	var state agentState
	if path == "" {
		return state, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, errors.Wrap(err, "reading state file")
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, errors.Wrapf(err, "parsing state file %s", path)
	}
	return state, nil
}

func writeStateFile(path string, state agentState) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
