package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateResearchPolicy(t *testing.T) {
	require.NoError(t, ValidateResearchPolicy(DefaultResearchPolicy()))

	bad := DefaultResearchPolicy()
	bad.MaxSources = 0
	require.Error(t, ValidateResearchPolicy(bad))

	bad = DefaultResearchPolicy()
	bad.CAS.Attempts = 0
	require.Error(t, ValidateResearchPolicy(bad))
}

func TestNewResearchPolicyHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("research:\n  max_sources: 7\n  cas:\n    attempts: 3\n  refund_retry:\n    base_delay: 1s\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "research.yml"), content, 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	holder, err := NewResearchPolicyHolder()
	require.NoError(t, err)

	policy := holder.Get()
	require.Equal(t, 7, policy.MaxSources)
	require.Equal(t, 3, policy.CAS.Attempts)
	require.Equal(t, time.Second, policy.RefundRetry.BaseDelay)
	require.Equal(t, DefaultResearchPolicy().EngineTimeout, policy.EngineTimeout)
}

func TestNormalizeEngine(t *testing.T) {
	cases := map[string]string{
		"":         EngineSimulated,
		"OLLAMA":   EngineOllama,
		" remote ": EngineRemote,
		"bogus":    EngineSimulated,
	}
	for in, want := range cases {
		if got := normalizeEngine(in); got != want {
			t.Fatalf("normalizeEngine(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRetryPolicyBackoffIsCapped(t *testing.T) {
	policy := RetryPolicy{Attempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}
	for attempt := 1; attempt <= 20; attempt++ {
		d := policy.Backoff(attempt)
		if d < policy.BaseDelay || d >= policy.MaxDelay+policy.BaseDelay {
			t.Fatalf("attempt %d: backoff %v out of range", attempt, d)
		}
	}
	if got := (RetryPolicy{}).Backoff(3); got != 0 {
		t.Fatalf("zero policy backoff = %v", got)
	}
}
