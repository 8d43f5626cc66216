package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/edgedlt/byzzbench"
	"github.com/edgedlt/byzzbench/scenario"
)

// newViper returns a viper instance holding the defaults of every key and
// reading BYZZBENCH_* environment variables.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("byzzbench")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	d := byzzbench.DefaultConfig()
	v.SetDefault("scenario.protocol", string(d.Protocol))
	v.SetDefault("scenario.replicas", d.Replicas)
	v.SetDefault("scenario.faults", d.Faults)
	v.SetDefault("scenario.clients", d.Clients)
	v.SetDefault("scenario.requests", d.Requests)
	v.SetDefault("scenario.request-timeout", d.RequestTimeout)
	v.SetDefault("scenario.checkpoint-interval", d.CheckpointInterval)
	v.SetDefault("scenario.watermark-interval", d.WatermarkInterval)
	v.SetDefault("scenario.buffer-threshold", d.BufferThreshold)
	v.SetDefault("scenario.buffer-capacity", d.BufferCapacity)
	v.SetDefault("scenario.view-timeout", d.ViewTimeout)
	v.SetDefault("scenario.max-view-timeout", d.MaxViewTimeout)
	v.SetDefault("scenario.backoff-factor", d.BackoffFactor)
	v.SetDefault("scenario.signature-scheme", d.SignatureScheme)
	v.SetDefault("scenario.scheduler", d.Scheduler)
	v.SetDefault("scenario.drop-probability", d.DropProbability)
	v.SetDefault("scenario.mutate-probability", d.MutateProbability)
	v.SetDefault("scenario.max-drops", d.MaxDrops)
	v.SetDefault("scenario.max-mutations", d.MaxMutations)
	v.SetDefault("scenario.behavior", string(d.Behavior))
	v.SetDefault("scenario.faulty-replicas", d.FaultyReplicas)
	v.SetDefault("scenario.seed", d.Seed)
	v.SetDefault("scenario.max-events", d.MaxEvents)
	v.SetDefault("scenario.gst-after", d.GSTAfter)
	v.SetDefault("scenario.gst-grace", d.GSTGracePeriod)

	g := scenario.DefaultGeneratorConfig()
	v.SetDefault("campaign.count", 20)
	v.SetDefault("campaign.workers", 4)
	v.SetDefault("campaign.min-faults", g.MinFaults)
	v.SetDefault("campaign.max-faults", g.MaxFaults)
	v.SetDefault("campaign.max-clients", g.MaxClients)
	v.SetDefault("campaign.requests", g.Requests)
	v.SetDefault("campaign.random-share", g.RandomShare)
	v.SetDefault("campaign.max-events", g.MaxEvents)
	v.SetDefault("campaign.gst-after", g.GSTAfter)
	v.SetDefault("campaign.seed", g.Seed)
	v.SetDefault("campaign.save-all", false)

	v.SetDefault("store.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	return v
}

// readConfigFile merges a YAML, TOML or JSON file into v.
func readConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return byzzbench.WrapConfigf("reading %s: %v", path, err)
	}
	return nil
}

// bindFlags copies every flag set on the command line into v under the key
// keys maps its name to. Flags left at their default do not shadow the file.
func bindFlags(v *viper.Viper, fs *flag.FlagSet, keys map[string]string) {
	fs.Visit(func(f *flag.Flag) {
		if key, ok := keys[f.Name]; ok {
			v.Set(key, f.Value.String())
		}
	})
}

// scenarioConfig builds a scenario configuration from the scenario.* keys.
func scenarioConfig(v *viper.Viper, logger *zap.Logger) (*byzzbench.Config, error) {
	return byzzbench.NewConfig(scenarioOptions(v, logger)...)
}

func scenarioOptions(v *viper.Viper, logger *zap.Logger) []byzzbench.ConfigOption {
	opts := []byzzbench.ConfigOption{
		byzzbench.WithProtocol(byzzbench.Protocol(v.GetString("scenario.protocol"))),
		byzzbench.WithReplicas(v.GetInt("scenario.replicas")),
		byzzbench.WithClients(v.GetInt("scenario.clients"), v.GetInt("scenario.requests")),
		byzzbench.WithRequestTimeout(v.GetUint64("scenario.request-timeout")),
		byzzbench.WithCheckpointInterval(v.GetUint64("scenario.checkpoint-interval")),
		byzzbench.WithWatermarkInterval(v.GetUint64("scenario.watermark-interval")),
		byzzbench.WithBuffer(v.GetInt("scenario.buffer-threshold"), v.GetInt("scenario.buffer-capacity")),
		byzzbench.WithViewTimeout(
			v.GetUint64("scenario.view-timeout"),
			v.GetUint64("scenario.max-view-timeout"),
			v.GetFloat64("scenario.backoff-factor")),
		byzzbench.WithSignatureScheme(v.GetString("scenario.signature-scheme")),
		byzzbench.WithScheduler(
			v.GetString("scenario.scheduler"),
			v.GetFloat64("scenario.drop-probability"),
			v.GetFloat64("scenario.mutate-probability")),
		withRandomBudgets(v.GetInt("scenario.max-drops"), v.GetInt("scenario.max-mutations")),
		byzzbench.WithBehavior(
			byzzbench.Behavior(v.GetString("scenario.behavior")),
			v.GetInt("scenario.faulty-replicas")),
		byzzbench.WithSeed(v.GetInt64("scenario.seed")),
		byzzbench.WithMaxEvents(v.GetInt("scenario.max-events")),
		byzzbench.WithGST(v.GetInt("scenario.gst-after"), v.GetInt("scenario.gst-grace")),
	}
	if f := v.GetInt("scenario.faults"); f > 0 {
		opts = append(opts, byzzbench.WithFaultTolerance(f))
	}
	if logger != nil {
		opts = append(opts, byzzbench.WithLogger(logger))
	}
	return opts
}

func withRandomBudgets(drops, mutations int) byzzbench.ConfigOption {
	return func(c *byzzbench.Config) error {
		c.MaxDrops = drops
		c.MaxMutations = mutations
		return nil
	}
}

// generatorConfig builds the campaign generator configuration from the
// campaign.* keys. The scenario.* timing keys become base options of every
// generated scenario.
func generatorConfig(v *viper.Viper) scenario.GeneratorConfig {
	g := scenario.DefaultGeneratorConfig()
	g.MinFaults = v.GetInt("campaign.min-faults")
	g.MaxFaults = v.GetInt("campaign.max-faults")
	g.MaxClients = v.GetInt("campaign.max-clients")
	g.Requests = v.GetInt("campaign.requests")
	g.RandomShare = v.GetFloat64("campaign.random-share")
	g.MaxEvents = v.GetInt("campaign.max-events")
	g.GSTAfter = v.GetInt("campaign.gst-after")
	g.Seed = v.GetInt64("campaign.seed")
	g.Base = []byzzbench.ConfigOption{
		byzzbench.WithRequestTimeout(v.GetUint64("scenario.request-timeout")),
		byzzbench.WithCheckpointInterval(v.GetUint64("scenario.checkpoint-interval")),
		byzzbench.WithWatermarkInterval(v.GetUint64("scenario.watermark-interval")),
		byzzbench.WithViewTimeout(
			v.GetUint64("scenario.view-timeout"),
			v.GetUint64("scenario.max-view-timeout"),
			v.GetFloat64("scenario.backoff-factor")),
		byzzbench.WithSignatureScheme(v.GetString("scenario.signature-scheme")),
	}
	return g
}

// newLogger builds a development or production zap logger at the
// configured level.
func newLogger(v *viper.Viper) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(v.GetString("log.level"))
	if err != nil {
		return nil, byzzbench.WrapConfigf("log level: %v", err)
	}

	var cfg zap.Config
	if v.GetBool("log.development") {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}
