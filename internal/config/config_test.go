package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterFlags_Defaults(t *testing.T) {
	cmd := &cobra.Command{Use: "tinymem-bench"}
	v := viper.New()
	RegisterFlags(cmd, v)

	cfg := Load(v)
	assert.Equal(t, "", cfg.ModelPath)
	assert.True(t, cfg.UseMmap)
	assert.Equal(t, 512, cfg.MemoryBudgetMB)
	assert.True(t, cfg.SIMD)
	assert.Equal(t, 1, cfg.Threads)
	assert.Equal(t, "json", cfg.ReportFormat)
}

func TestRegisterFlags_EnvOverride(t *testing.T) {
	t.Setenv("TINYMEM_MEMORY", "2048")
	t.Setenv("TINYMEM_MMAP", "false")

	cmd := &cobra.Command{Use: "tinymem-bench"}
	v := viper.New()
	RegisterFlags(cmd, v)

	cfg := Load(v)
	assert.Equal(t, 2048, cfg.MemoryBudgetMB)
	assert.False(t, cfg.UseMmap)
}

func TestRegisterFlags_ExplicitFlagWins(t *testing.T) {
	cmd := &cobra.Command{Use: "tinymem-bench"}
	v := viper.New()
	RegisterFlags(cmd, v)

	require.NoError(t, cmd.Flags().Set("model", "/tmp/model.tmai"))
	cfg := Load(v)
	assert.Equal(t, "/tmp/model.tmai", cfg.ModelPath)
}
