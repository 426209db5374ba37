package mirrord

import (
	"fmt"
	"os"

	"github.com/bakdata/quick-sub003/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var cfgFile string
var logLevel string
var rootCmd = &cobra.Command{
	Use:   "mirror",
	Short: "mirror serves a Kafka topic from a partitioned local store",
	Long: `mirror consumes one topic into an embedded key-value store and answers
point, batch, full scan and range lookups over HTTP. Replicas share the
topic partitions and forward lookups to the owning replica.`,
	Run: func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			fmt.Println(Version)
			return
		}

		// If no subcommand is provided, print help
		cmd.Help()
	},
}

func Main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/mirror.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "info", "log at this level (debug, info, warn, error, fatal, none)")
	rootCmd.PersistentFlags().BoolP("version", "v", false, "Print the version number")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(routeCmd)
}

// loadConfig reads the configuration with the flags of cmd taking
// precedence over file and environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(cfgFile, func(v *viper.Viper) error {
		return v.BindPFlags(cmd.Flags())
	})
}

func newLogger() (*zap.Logger, error) {
	if logLevel == "none" {
		return zap.NewNop(), nil
	}
	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
