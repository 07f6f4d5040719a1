package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "guard"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.status_port", 0)

	v.SetDefault("emergency.stop_file", "emergency_stop.txt")
	v.SetDefault("emergency.daily_loss_limit", 10000.0)
	v.SetDefault("emergency.check_interval", "5s")
	v.SetDefault("emergency.shutdown_timeout", "5m")
	v.SetDefault("emergency.force_close_after_timeout", true)
	v.SetDefault("emergency.heartbeat_timeout", "60s")
	v.SetDefault("emergency.auto_shutdown_on_critical", true)

	v.SetDefault("safety.check_interval", "10s")
	v.SetDefault("safety.enabled_checks", []string{
		"position_limits", "system_resources", "market_hours", "api_health", "risk_thresholds",
	})
	v.SetDefault("safety.max_concurrent_positions", 5)
	v.SetDefault("safety.max_position_value", 100000.0)
	v.SetDefault("safety.max_single_position_size", 50000.0)
	v.SetDefault("safety.max_cpu_usage", 80.0)
	v.SetDefault("safety.max_memory_usage", 80.0)
	v.SetDefault("safety.min_disk_space_gb", 1.0)
	v.SetDefault("safety.api_timeout_threshold", "30s")
	v.SetDefault("safety.max_consecutive_api_failures", 5)
	v.SetDefault("safety.max_daily_loss_percentage", 0.8)
	v.SetDefault("safety.max_drawdown_percentage", 0.15)
	v.SetDefault("safety.market_open", "09:15")
	v.SetDefault("safety.market_close", "15:30")
	v.SetDefault("safety.pre_market_buffer", "15m")
	v.SetDefault("safety.post_market_buffer", "15m")
	v.SetDefault("safety.probe_address", "8.8.8.8:53")
	v.SetDefault("safety.probe_timeout", "5s")

	v.SetDefault("database.path", "data/angel_guard.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.heartbeat_interval", "5s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
