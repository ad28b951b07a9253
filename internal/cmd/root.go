package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/signalfence/redisrate/config"
)

// EnvPrefix prefixes every environment override, e.g. REDISRATE_REDIS_ADDR.
const EnvPrefix = "REDISRATE"

var (
	cfgFile string

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "redisrate",
	Short: "Distributed GCRA rate limiting backed by Redis",
	Long: `redisrate shares GCRA rate limit state between processes through Redis.

Use "serve" to run the HTTP API, or "check" and "reset" to work with a
key directly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "YAML config file (env "+EnvPrefix+"_CONFIG)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("redis-addr", "", "Redis address, overrides redis.addr")
	flags.String("redis-client", "", "Redis client: go-redis or rueidis, overrides redis.client")

	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("redis.addr", flags.Lookup("redis-addr"))
	_ = viper.BindPFlag("redis.client", flags.Lookup("redis-client"))
}

// initConfig wires environment variables into viper. The YAML file itself
// is decoded by the config package; viper only layers flags and env on top.
func initConfig() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile == "" {
		cfgFile = viper.GetString("config")
	}
}

// loadConfig reads the config file (if any) and applies flag and env
// overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.LoadFile(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if viper.IsSet("redis.addr") && viper.GetString("redis.addr") != "" {
		cfg.Redis.Addr = viper.GetString("redis.addr")
	}
	if viper.IsSet("redis.client") && viper.GetString("redis.client") != "" {
		cfg.Redis.Client = viper.GetString("redis.client")
	}
	if viper.IsSet("redis.password") {
		cfg.Redis.Password = viper.GetString("redis.password")
	}
	if viper.IsSet("server.addr") && viper.GetString("server.addr") != "" {
		cfg.Server.Addr = viper.GetString("server.addr")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds a JSON zap logger at the configured level.
func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
