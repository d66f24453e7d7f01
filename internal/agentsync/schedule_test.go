package agentsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 30 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 24*time.Second {
		t.Fatalf("expected min jitter interval 24s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 30*time.Second {
		t.Fatalf("expected midpoint jitter interval 30s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 36*time.Second {
		t.Fatalf("expected max jitter interval 36s, got %s", got)
	}
}

func TestTimingDefaults(t *testing.T) {
	got := Timing{IdleJitter: 3}.withDefaults()
	require.Equal(t, Timing{ActivePause: time.Second, IdleInterval: 30 * time.Second, IdleJitter: 1, ErrorBackoff: 10 * time.Second}, got)
}

func TestStateFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	st, err := readStateFile(path)
	require.NoError(t, err)
	require.False(t, st.bootstrapped())

	require.Equal(t, 1, st.reject("saida", "10"))
	require.Equal(t, 2, st.reject("SAIDA", "10"))
	st.BootstrappedAt = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	st.Cutoff = "2024-01-01"
	require.NoError(t, writeStateFile(path, st))

	loaded, err := readStateFile(path)
	require.NoError(t, err)
	require.True(t, loaded.bootstrapped())
	require.Equal(t, 2, loaded.Rejections["SAIDA"]["10"])

	require.True(t, loaded.forget("saida", "10", "11"))
	require.False(t, loaded.forget("saida", "10"))
	require.Empty(t, loaded.Rejections)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
}

func TestCorruptStateFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := readStateFile(path)
	require.Error(t, err)
}

func TestStateSummaryAndForgetRejections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	sum, err := ReadStateSummary(path)
	require.NoError(t, err)
	require.True(t, sum.BootstrappedAt.IsZero())
	require.Empty(t, sum.Rejected)

	var st agentState
	st.reject("SAIDA", "1")
	st.reject("SAIDA", "2")
	st.reject("PRODUTO", "9")
	st.Cutoff = "2024-01-01"
	require.NoError(t, writeStateFile(path, st))

	sum, err = ReadStateSummary(path)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"SAIDA": 2, "PRODUTO": 1}, sum.Rejected)
	require.Equal(t, "2024-01-01", sum.Cutoff)

	require.NoError(t, ForgetRejections(path, []string{"saida"}))
	sum, err = ReadStateSummary(path)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"PRODUTO": 1}, sum.Rejected)
	require.NoError(t, ForgetRejections(path, []string{"saida"}))
}
