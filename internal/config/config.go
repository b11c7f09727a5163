// Package config binds the tinymem-bench CLI flags to github.com/spf13/viper,
// allowing TINYMEM_* environment overrides of every flag. Grounded on the
// pack's o9nn-echo.go repo, which wires github.com/spf13/cobra commands the
// same way (flags registered on a cobra.Command, handlers reading them back
// via cmd.Flags()).
package config

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the resolved set of benchmark run parameters.
type Config struct {
	ModelPath      string
	UseMmap        bool
	MemoryBudgetMB int
	SIMD           bool
	Threads        int
	ReportFormat   string
	ReportPath     string
}

const envPrefix = "TINYMEM"

// RegisterFlags adds the tinymem-bench flag set to cmd and binds each flag
// into v, so environment variables of the form TINYMEM_<FLAG_NAME>
// (dashes become underscores) override unset flags.
func RegisterFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.Flags()
	flags.String("model", "", "path to a TMAI model file")
	flags.Bool("mmap", true, "use mmap for the model cache backing store")
	flags.Int("memory", 512, "activation memory ceiling in MiB")
	flags.Bool("simd", true, "enable SIMD-aligned allocation")
	flags.Int("threads", 1, "preferred worker thread count")
	flags.String("report-format", "json", "report format: json or csv")
	flags.String("report-path", "", "report output path (stdout if empty)")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
}

// Load resolves a Config from v after flags have been parsed.
func Load(v *viper.Viper) Config {
	return Config{
		ModelPath:      v.GetString("model"),
		UseMmap:        v.GetBool("mmap"),
		MemoryBudgetMB: v.GetInt("memory"),
		SIMD:           v.GetBool("simd"),
		Threads:        v.GetInt("threads"),
		ReportFormat:   v.GetString("report-format"),
		ReportPath:     v.GetString("report-path"),
	}
}
