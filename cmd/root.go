// -- cmd/root.go --
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/livoras/pageflow/internal/config"
	"github.com/livoras/pageflow/internal/observability"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "pageflow",
	Short:   "pageflow is a headless-browser control plane.",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initializeConfig(); err != nil {
			return err
		}

		var cfg config.Config
		if err := viper.Unmarshal(&cfg); err != nil {
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "pageflow"})
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}

		observability.InitializeLogger(cfg.Logger)
		observability.GetLogger().Info("starting pageflow", zap.String("version", Version))
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

// initializeConfig reads in config file and ENV variables if set.
func initializeConfig() error {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	bindRootEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// bindRootEnv wires spec.md §6's contractual env vars plus the expansion's
// ambient knobs onto viper's global instance, mirroring config.Load's own
// bindEnv for the cobra-driven entrypoint.
func bindRootEnv() {
	v := viper.GetViper()
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("browser.headless", "HEADLESS")
	_ = v.BindEnv("browser.user_data_dir", "USER_DATA_DIR")
	_ = v.BindEnv("browser.screenshots_enabled", "SCREENSHOT")
	_ = v.BindEnv("server.recordings_root", "TMPDIR")
	_ = v.BindEnv("logger.level", "LOG_LEVEL")
	_ = v.BindEnv("logger.format", "LOG_FORMAT")
	_ = v.BindEnv("logger.log_file", "LOG_FILE")
	_ = v.BindEnv("server.cors_origin", "CORS_ORIGIN")
	_ = v.BindEnv("settle.quiet_ms", "SETTLE_QUIET_MS")
	_ = v.BindEnv("settle.hard_deadline_ms", "SETTLE_HARD_DEADLINE_MS")
	_ = v.BindEnv("page.nav_timeout_ms", "NAV_TIMEOUT_MS")
	_ = v.BindEnv("page.create_timeout_ms", "CREATE_TIMEOUT_MS")
	_ = v.BindEnv("page.queue_depth", "PAGE_QUEUE_DEPTH")
}
