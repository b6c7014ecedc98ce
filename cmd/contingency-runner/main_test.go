package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/grid-variants/network"
	"github.com/signalsfoundry/grid-variants/security"
)

const doubleCircuit = `
id: double-circuit
buses:
  - {id: B1, nominal_kv: 400, low_voltage_limit: 380, high_voltage_limit: 420}
  - {id: B2, nominal_kv: 400, low_voltage_limit: 380, high_voltage_limit: 420}
lines:
  - {id: L1, bus1: B1, bus2: B2, x: 16, rated_mw: 150}
  - {id: L2, bus1: B1, bus2: B2, x: 16, rated_mw: 150}
generators:
  - {id: G1, bus: B1, max_p: 300, target_p: 200}
loads:
  - {id: D2, bus: B2, p0: 200}
`

const doubleCircuitRun = `
scenario: grid.yaml
parallelism: 2
log_level: error
contingencies:
  - {id: N-1-L1, branches: [L1]}
  - {id: N-2, branches: [L1, L2]}
`

func writeFixtures(t *testing.T) (dir, runPath string) {
	t.Helper()
	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "grid.yaml"), []byte(doubleCircuit), 0o600))
	runPath = filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(runPath, []byte(doubleCircuitRun), 0o600))
	return dir, runPath
}

func TestRunCommandPrintsViolations(t *testing.T) {
	dir, runPath := writeFixtures(t)
	statePath := filepath.Join(dir, "state.yaml")

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"run", runPath, "--state-out", statePath})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	out := stdout.String()
	require.Contains(t, out, "STATE")
	require.Contains(t, out, "pre-contingency")
	require.Regexp(t, `N-1-L1\s+CONVERGED\s+L2\s+ACTIVE_POWER\s+200\.00\s+150\.00`, out)
	require.Regexp(t, `N-2\s+CONVERGED\s+B2\s+LOW_VOLTAGE\s+0\.00\s+380\.00`, out)

	raw, err := os.ReadFile(statePath)
	require.NoError(t, err)
	var snap network.State
	require.NoError(t, yaml.Unmarshal(raw, &snap))
	require.Equal(t, "double-circuit", snap.NetworkID)
	require.Len(t, snap.Branches, 2)
	require.InDelta(t, 100, snap.Branches[0].Flow.P1, 1e-6)
}

func TestRunCommandYAMLOutput(t *testing.T) {
	_, runPath := writeFixtures(t)

	var stdout bytes.Buffer
	require.NoError(t, runAnalysis(context.Background(), &stdout, &bytes.Buffer{}, runPath, runFlags{format: "yaml"}))

	var res security.Result
	require.NoError(t, yaml.Unmarshal(stdout.Bytes(), &res))
	require.NotEmpty(t, res.RunID)
	require.Equal(t, security.StatusConverged, res.PreContingency.Status)
	require.Len(t, res.PostContingency, 2)
	require.Equal(t, "N-1-L1", res.PostContingency[0].Contingency.ID)
	require.Equal(t, 2, res.PostContingency[1].Islands)
}

func TestRunCommandRejectsBadInput(t *testing.T) {
	_, runPath := writeFixtures(t)

	err := runAnalysis(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, runPath, runFlags{format: "xml"})
	require.ErrorContains(t, err, "unsupported format")

	err = runAnalysis(context.Background(), &bytes.Buffer{}, &bytes.Buffer{}, filepath.Join(t.TempDir(), "none.yaml"), runFlags{format: "text"})
	require.Error(t, err)

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run"})
	require.Error(t, cmd.Execute(), "run requires a run file")
}

func TestStateCommandPrintsSolvedState(t *testing.T) {
	dir, _ := writeFixtures(t)

	var stdout bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"state", filepath.Join(dir, "grid.yaml")})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var snap network.State
	require.NoError(t, yaml.Unmarshal(stdout.Bytes(), &snap))
	require.Len(t, snap.Buses, 2)
	require.Equal(t, 400.0, snap.Buses[0].V)
}
