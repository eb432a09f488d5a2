package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/smallbiznis/marketpulse/internal/authorization"
	"github.com/smallbiznis/marketpulse/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRejectsUnknownOutput(t *testing.T) {
	_, err := execute(t, "", "policy", "show", "--defaults", "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output")
}

func TestPolicyShowDefaultsYAML(t *testing.T) {
	out, err := execute(t, "", "policy", "show", "--defaults", "-o", "yaml")
	require.NoError(t, err)

	var got policyView
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	want := config.DefaultResearchPolicy()
	assert.Equal(t, want.MaxSources, got.Research.MaxSources)
	assert.Equal(t, want.StaleAfter.String(), got.Research.StaleAfter)
	assert.Equal(t, want.RefundRetry.Attempts, got.Research.RefundRetry.Attempts)
}

func TestAdminHashKeyFromStdin(t *testing.T) {
	out, err := execute(t, "s3cret\n", "admin", "hash-key")
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, authorization.VerifyAdminKey("s3cret", got["admin_key_hash"]))
	assert.False(t, authorization.VerifyAdminKey("other", got["admin_key_hash"]))
}

func TestAdminHashKeyRequiresKey(t *testing.T) {
	_, err := execute(t, "", "admin", "hash-key")
	require.Error(t, err)
}

func TestRenderJSONAndYAML(t *testing.T) {
	v := map[string]int{"reconciled": 3}

	var js bytes.Buffer
	require.NoError(t, render(&js, "json", v))
	assert.JSONEq(t, `{"reconciled":3}`, js.String())

	var ym bytes.Buffer
	require.NoError(t, render(&ym, "yaml", v))
	assert.Equal(t, "reconciled: 3\n", ym.String())

	assert.Error(t, render(&bytes.Buffer{}, "toml", v))
}
