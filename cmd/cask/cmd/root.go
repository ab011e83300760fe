package cmd

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aweris/cask"
)

var rootCmd = &cobra.Command{
	Use:   "cask",
	Short: "Content-addressed versioned object store CLI",
	Long:  "CLI for managing cask stores: path CRUD, snapshots, revert and bundle sync.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ~/.config/cask/config.yaml)")
	flags.String("data-dir", "", "store directory (default: ~/.local/share/cask)")
	flags.String("remote", "", "OCI registry ref for push/pull")
	flags.String("backend", cask.BackendFile, "durable backend: file or badger")
	flags.Bool("compression", true, "zstd-compress stored objects (file backend)")
	flags.Int("compression-level", 2, "zstd level, 1 fastest to 3 smallest")
	flags.Int("lru-size", 0, "hot object cache entries (0 uses the built-in default)")
	flags.Int("index-log-size", 0, "buffered writes before an index merge (0 uses the built-in default)")
	flags.String("merge-throttle", "", "block-writes or overcommit-memory")
	flags.String("freeze-throttle", "", "block-writes, overcommit-memory or cancel-existing")
	flags.Bool("verbose", false, "log background merge and freeze activity")

	viper.BindPFlag("data_dir", flags.Lookup("data-dir"))
	viper.BindPFlag("remote", flags.Lookup("remote"))
	viper.BindPFlag("backend", flags.Lookup("backend"))
	viper.BindPFlag("compression", flags.Lookup("compression"))
	viper.BindPFlag("compression_level", flags.Lookup("compression-level"))
	viper.BindPFlag("lru_size", flags.Lookup("lru-size"))
	viper.BindPFlag("index_log_size", flags.Lookup("index-log-size"))
	viper.BindPFlag("merge_throttle", flags.Lookup("merge-throttle"))
	viper.BindPFlag("freeze_throttle", flags.Lookup("freeze-throttle"))
	viper.BindPFlag("verbose", flags.Lookup("verbose"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CASK")
	viper.AutomaticEnv()
	viper.SetDefault("data_dir", defaultDataDir())

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cask")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "cask")
	}
	return ".cask"
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "cask")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "cask")
	}
	return ".cask"
}

// openStore builds a store handle from the resolved configuration. Zero
// or empty tuning values fall through to the library defaults.
func openStore() (*cask.Cask, error) {
	opts := []cask.OpenOption{
		cask.WithBackend(viper.GetString("backend")),
		cask.WithCompression(viper.GetBool("compression"), viper.GetInt("compression_level")),
	}
	if n := viper.GetInt("lru_size"); n > 0 {
		opts = append(opts, cask.WithLRUSize(n))
	}
	if n := viper.GetInt("index_log_size"); n > 0 {
		opts = append(opts, cask.WithIndexLogSize(n))
	}
	if policy := viper.GetString("merge_throttle"); policy != "" {
		opts = append(opts, cask.WithMergeThrottle(policy))
	}
	if policy := viper.GetString("freeze_throttle"); policy != "" {
		opts = append(opts, cask.WithFreezeThrottle(policy))
	}
	if remote := viper.GetString("remote"); remote != "" {
		opts = append(opts, cask.WithRemote(remote))
	}
	if viper.GetBool("verbose") {
		logger := logrus.New()
		logger.SetLevel(logrus.DebugLevel)
		opts = append(opts, cask.WithLogger(logger))
	}
	return cask.Open(viper.GetString("data_dir"), opts...)
}
