package cli

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()
	require.NotNil(t, cmd)
	assert.Equal(t, "task-messenger", cmd.Use)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Use] = true
	}
	assert.True(t, names["manager"])
	assert.True(t, names["worker"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "configs/manager.yaml", configFlag.DefValue)
}

func TestManagerSubcommands(t *testing.T) {
	managerCmd := findCommand(t, BuildCLI(), "manager")

	sub := make(map[string]bool)
	for _, c := range managerCmd.Commands() {
		sub[c.Use] = true
	}
	assert.True(t, sub["run"])
	assert.True(t, sub["status"])
}

func TestWorkerSubcommands(t *testing.T) {
	workerCmd := findCommand(t, BuildCLI(), "worker")

	sub := make(map[string]bool)
	for _, c := range workerCmd.Commands() {
		sub[c.Use] = true
	}
	assert.True(t, sub["run"])
}

func TestAdminListenAddr(t *testing.T) {
	assert.Equal(t, "0.0.0.0:9091", adminListenAddr("0.0.0.0:9000"))
	assert.Equal(t, "127.0.0.1:9091", adminListenAddr("not-a-valid-endpoint"))
}

func findCommand(t *testing.T, root *cobra.Command, use string) *cobra.Command {
	t.Helper()
	for _, c := range root.Commands() {
		if c.Use == use {
			return c
		}
	}
	t.Fatalf("subcommand %q not found", use)
	return nil
}
