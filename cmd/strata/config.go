package main

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"goflare.io/strata"
)

// loadConfig reads path (yaml, json or toml) over the library defaults.
// STRATA_* environment variables override file values, e.g.
// STRATA_TIERS_DISTRIBUTED_ADDR.
func loadConfig(path string) (*strata.Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("strata")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("strata")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrapf(err, "bind %s", key)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config")
		}
	}

	cfg := strata.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}
	return cfg, nil
}

// envKeys are the settings most often supplied by the environment.
var envKeys = []string{
	"tiers.distributed.addr",
	"tiers.distributed.password",
	"tiers.distributed.db",
	"tiers.distributed.key_prefix",
	"tiers.persistent.enabled",
	"tiers.persistent.path",
	"broadcast.enabled",
	"broadcast.channel",
}
