package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const configFilePathENV = "CONFIG_FILE"

// Config ...
type Config struct {
	DB string `mapstructure:"db_dsn"`

	Telegram struct {
		Token  string `mapstructure:"token"`
		ChatID int64  `mapstructure:"chat_id"`
	} `mapstructure:"telegram"`

	Service struct {
		Host        string `mapstructure:"host"`
		MetricsPort int    `mapstructure:"metrics_port"`
	} `mapstructure:"service"`

	Jaeger struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"jaeger"`

	Quotes struct {
		WSURL     string        `mapstructure:"ws_url"`
		Symbol    string        `mapstructure:"symbol"`
		DialRetry time.Duration `mapstructure:"dial_retry"`
	} `mapstructure:"quotes"`

	// Confirmation matching. The widening schedule was never documented at the
	// venue side, so it is explicit config with conservative defaults:
	// start at 2.0 points, widen by 2.0 per pass, give up past 10.0.
	Reconcile struct {
		InitialTolerance float64       `mapstructure:"initial_tolerance"`
		ToleranceStep    float64       `mapstructure:"tolerance_step"`
		MaxTolerance     float64       `mapstructure:"max_tolerance"`
		DedupWindow      time.Duration `mapstructure:"dedup_window"`
	} `mapstructure:"reconcile"`

	Retry struct {
		MaxRetries int           `mapstructure:"max_retries"`
		LockTTL    time.Duration `mapstructure:"lock_ttl"`
	} `mapstructure:"retry"`

	Exit struct {
		LockTTL        time.Duration `mapstructure:"lock_ttl"`
		GatewayTimeout time.Duration `mapstructure:"gateway_timeout"`
	} `mapstructure:"exit"`

	Risk struct {
		ActivationPoints     float64       `mapstructure:"activation_points"`
		PullbackRatio        float64       `mapstructure:"pullback_ratio"`
		ProtectionMultiplier float64       `mapstructure:"protection_multiplier"`
		SnapshotInterval     time.Duration `mapstructure:"snapshot_interval"`
		PolicyFile           string        `mapstructure:"policy_file"`
	} `mapstructure:"risk"`

	Persist struct {
		QueueSize       int           `mapstructure:"queue_size"`
		RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
		MaxAttempts     int           `mapstructure:"max_attempts"`
		RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	} `mapstructure:"persist"`

	Janitor struct {
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		GroupGrace    time.Duration `mapstructure:"group_grace"`
	} `mapstructure:"janitor"`

	// Per-lot risk overrides, loaded from Risk.PolicyFile.
	LotPolicy LotPolicy `mapstructure:"-"`
}

// LotOverride tweaks trailing parameters for one lot index.
type LotOverride struct {
	ActivationPoints float64 `yaml:"activation_points"`
	PullbackRatio    float64 `yaml:"pullback_ratio"`
}

type LotPolicy struct {
	Lots map[int]LotOverride `yaml:"lots"`
}

func NewConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	configFileName := os.Getenv(configFilePathENV)
	if configFileName == "" {
		configFileName = "values_local.yaml"
	}
	v.SetConfigFile("configs/" + configFileName)

	setDefaults(v)

	v.AutomaticEnv()
	_ = v.BindEnv("db_dsn", "DATABASE_DSN")
	_ = v.BindEnv("telegram.token", "TELEGRAM_TOKEN")
	_ = v.BindEnv("telegram.chat_id", "TELEGRAM_CHAT_ID")
	_ = v.BindEnv("quotes.ws_url", "QUOTES_WS_URL")

	if err := v.ReadInConfig(); err != nil {
		// config file is optional, env + defaults must be enough
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	if config.Risk.PolicyFile != "" {
		policy, err := loadLotPolicy(config.Risk.PolicyFile)
		if err != nil {
			return nil, err
		}
		config.LotPolicy = policy
	}
	if config.LotPolicy.Lots == nil {
		config.LotPolicy.Lots = map[int]LotOverride{}
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.host", "0.0.0.0")
	v.SetDefault("service.metrics_port", 9091)

	v.SetDefault("quotes.dial_retry", "3s")

	v.SetDefault("reconcile.initial_tolerance", 2.0)
	v.SetDefault("reconcile.tolerance_step", 2.0)
	v.SetDefault("reconcile.max_tolerance", 10.0)
	v.SetDefault("reconcile.dedup_window", "30s")

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.lock_ttl", "400ms")

	v.SetDefault("exit.lock_ttl", "10s")
	v.SetDefault("exit.gateway_timeout", "5s")

	v.SetDefault("risk.activation_points", 5.0)
	v.SetDefault("risk.pullback_ratio", 0.2)
	v.SetDefault("risk.protection_multiplier", 2.0)
	v.SetDefault("risk.snapshot_interval", "5s")

	v.SetDefault("persist.queue_size", 1024)
	v.SetDefault("persist.retry_backoff", "500ms")
	v.SetDefault("persist.max_attempts", 5)
	v.SetDefault("persist.refresh_interval", "30s")

	v.SetDefault("janitor.sweep_interval", "1s")
	v.SetDefault("janitor.group_grace", "5m")
}

func loadLotPolicy(path string) (LotPolicy, error) {
	var policy LotPolicy

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return policy, nil
		}
		return policy, errors.Wrap(err, "open lot policy file")
	}
	defer func() {
		_ = file.Close()
	}()

	if err := yaml.NewDecoder(file).Decode(&policy); err != nil {
		return policy, errors.Wrap(err, "decode lot policy file")
	}
	return policy, nil
}
