// Package cfg defines the coordinator's runtime configuration and how it is
// bound to command-line flags, following the same pflag/viper wiring
// gcsfuse's mount configuration uses.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the coordinator's full runtime configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`

	Replicas ReplicasConfig `yaml:"replicas"`

	Readdir ReaddirConfig `yaml:"readdir"`

	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig controls where and how the coordinator logs.
type LoggingConfig struct {
	Format string `yaml:"format"`

	FilePath string `yaml:"file-path" mapstructure:"file-path"`

	Severity string `yaml:"severity"`

	MaxSizeMb int `yaml:"max-size-mb" mapstructure:"max-size-mb"`
}

// ReplicasConfig controls how many replicas back each directory and the
// read-child policy used to order them.
type ReplicasConfig struct {
	Count int `yaml:"count"`

	PreferLocalFirst bool `yaml:"prefer-local-first" mapstructure:"prefer-local-first"`

	// LocalReplica is the index of the replica co-located with this client,
	// consulted only when PreferLocalFirst is set. -1 means "no local
	// replica known", which falls back to ascending index order.
	LocalReplica int `yaml:"local-replica" mapstructure:"local-replica"`
}

// ReaddirConfig controls the serve-with-failover read path.
type ReaddirConfig struct {
	Strict bool `yaml:"strict"`

	ChunkSizeBytes int `yaml:"chunk-size-bytes" mapstructure:"chunk-size-bytes"`

	MaxDedupRetries int `yaml:"max-dedup-retries" mapstructure:"max-dedup-retries"`
}

// MetricsConfig controls whether and how OTel metrics are exported.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	PrometheusEndpoint string `yaml:"prometheus-endpoint" mapstructure:"prometheus-endpoint"`
}

// BindFlags registers every configuration knob as a command-line flag and
// binds it into viper, so the final value can come from a flag or a config
// file, in that order of precedence. Environment variables are not read.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("log-format", "", "text", "Log output format: text or json.")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Path to a rotated log file. Defaults to stderr.")
	if err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "INFO", "Minimum severity logged: TRACE, DEBUG, INFO, WARNING, or ERROR.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.IntP("log-max-size-mb", "", 100, "Rotate the log file once it exceeds this size.")
	if err = viper.BindPFlag("logging.max-size-mb", flagSet.Lookup("log-max-size-mb")); err != nil {
		return err
	}

	flagSet.IntP("replica-count", "", 3, "Number of replicas backing each directory.")
	if err = viper.BindPFlag("replicas.count", flagSet.Lookup("replica-count")); err != nil {
		return err
	}

	flagSet.BoolP("prefer-local-first", "", false, "Order the read-child preference with the local replica first.")
	if err = viper.BindPFlag("replicas.prefer-local-first", flagSet.Lookup("prefer-local-first")); err != nil {
		return err
	}

	flagSet.IntP("local-replica", "", -1, "Index of the replica co-located with this client, used when prefer-local-first is set.")
	if err = viper.BindPFlag("replicas.local-replica", flagSet.Lookup("local-replica")); err != nil {
		return err
	}

	flagSet.BoolP("readdir-strict", "", true, "Enable failover bookkeeping and duplicate suppression on readdir.")
	if err = viper.BindPFlag("readdir.strict", flagSet.Lookup("readdir-strict")); err != nil {
		return err
	}

	flagSet.IntP("readdir-chunk-size-bytes", "", 131072, "Chunk size used when scanning a replica during the divergence probe.")
	if err = viper.BindPFlag("readdir.chunk-size-bytes", flagSet.Lookup("readdir-chunk-size-bytes")); err != nil {
		return err
	}

	flagSet.IntP("readdir-max-dedup-retries", "", 8, "Bound on all-duplicate-page retries after a failover.")
	if err = viper.BindPFlag("readdir.max-dedup-retries", flagSet.Lookup("readdir-max-dedup-retries")); err != nil {
		return err
	}

	flagSet.BoolP("metrics-enabled", "", true, "Metrics export switch. Bound into the config; rdreadctl starts no exporter.")
	if err = viper.BindPFlag("metrics.enabled", flagSet.Lookup("metrics-enabled")); err != nil {
		return err
	}

	flagSet.StringP("metrics-prometheus-endpoint", "", ":9090", "Prometheus exporter address. Bound into the config; rdreadctl starts no exporter.")
	if err = viper.BindPFlag("metrics.prometheus-endpoint", flagSet.Lookup("metrics-prometheus-endpoint")); err != nil {
		return err
	}

	return nil
}
