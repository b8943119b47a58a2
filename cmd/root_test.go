package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-funnel/internal/config"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	// Collect subcommand names.
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	// Verify expected subcommands are registered.
	expected := []string{"migrate", "sync", "import", "surveys", "leads", "analytics", "runs", "serve", "worker", "schedule"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "lead-funnel", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestSyncCommand_Flags(t *testing.T) {
	for _, c := range []string{"crm", "salesforce"} {
		sub, _, err := syncCmd.Find([]string{c})
		require.NoError(t, err)
		for _, flagName := range []string{"catalog", "contacts", "deals", "dry-run", "format"} {
			assert.NotNil(t, sub.Flags().Lookup(flagName), "sync %s should have --%s flag", c, flagName)
		}
	}
}

func TestImportCommand_Flags(t *testing.T) {
	require.NotNil(t, importCmd.Flags().Lookup("dry-run"))
	require.NotNil(t, importCmd.Flags().Lookup("tag"))
	assert.Error(t, importCmd.Args(importCmd, nil))
	assert.NoError(t, importCmd.Args(importCmd, []string{"s3://drops/webinar.xlsx"}))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestAnalyticsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range analyticsCmd.Commands() {
		names[c.Name()] = true
		assert.NotNil(t, c.Flags().Lookup("format"), "analytics %s should have --format", c.Name())
	}
	for _, name := range []string{"funnels", "sources", "dashboard", "alerts", "bottlenecks"} {
		assert.True(t, names[name], "analytics should have subcommand %q", name)
	}
}

func TestLeadsSearchCommand_Flags(t *testing.T) {
	for _, flagName := range []string{"email", "phone", "name", "limit"} {
		assert.NotNil(t, leadsSearchCmd.Flags().Lookup(flagName), "leads search should have --%s flag", flagName)
	}
}

func TestRootCommand_LogFlags(t *testing.T) {
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("log-level"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("log-format"))

	lc := config.LogConfig{Level: "info", Format: "json"}
	applyLogOverrides(&lc, "", "")
	assert.Equal(t, config.LogConfig{Level: "info", Format: "json"}, lc)

	applyLogOverrides(&lc, "debug", "console")
	assert.Equal(t, "debug", lc.Level)
	assert.Equal(t, "console", lc.Format)
}
