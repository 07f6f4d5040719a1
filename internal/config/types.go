package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Emergency EmergencyConfig `mapstructure:"emergency"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
	StatusPort  int    `mapstructure:"status_port"`
}

// EmergencyConfig 控制紧急控制器行为。
type EmergencyConfig struct {
	StopFile               string        `mapstructure:"stop_file"`
	DailyLossLimit         float64       `mapstructure:"daily_loss_limit"`
	CheckInterval          time.Duration `mapstructure:"check_interval"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout"`
	ForceCloseAfterTimeout bool          `mapstructure:"force_close_after_timeout"`
	HeartbeatTimeout       time.Duration `mapstructure:"heartbeat_timeout"`
	AutoShutdownOnCritical bool          `mapstructure:"auto_shutdown_on_critical"`
}

// SafetyConfig 控制安全监控器的检查项与阈值。
type SafetyConfig struct {
	CheckInterval            time.Duration `mapstructure:"check_interval"`
	EnabledChecks            []string      `mapstructure:"enabled_checks"`
	MaxConcurrentPositions   int           `mapstructure:"max_concurrent_positions"`
	MaxPositionValue         float64       `mapstructure:"max_position_value"`
	MaxSinglePositionSize    float64       `mapstructure:"max_single_position_size"`
	MaxCPUUsage              float64       `mapstructure:"max_cpu_usage"`
	MaxMemoryUsage           float64       `mapstructure:"max_memory_usage"`
	MinDiskSpaceGB           float64       `mapstructure:"min_disk_space_gb"`
	APITimeoutThreshold      time.Duration `mapstructure:"api_timeout_threshold"`
	MaxConsecutiveAPIFailure int           `mapstructure:"max_consecutive_api_failures"`
	MaxDailyLossPercentage   float64       `mapstructure:"max_daily_loss_percentage"`
	MaxDrawdownPercentage    float64       `mapstructure:"max_drawdown_percentage"`
	MarketOpen               string        `mapstructure:"market_open"`
	MarketClose              string        `mapstructure:"market_close"`
	PreMarketBuffer          time.Duration `mapstructure:"pre_market_buffer"`
	PostMarketBuffer         time.Duration `mapstructure:"post_market_buffer"`
	ProbeAddress             string        `mapstructure:"probe_address"`
	ProbeTimeout             time.Duration `mapstructure:"probe_timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制外部心跳推送节奏。
type SchedulerConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.App.StatusPort < 0 || c.App.StatusPort > 65535 {
		err = multierr.Append(err, errors.New("app.status_port 必须位于[0,65535]"))
	}
	if c.Emergency.StopFile == "" {
		err = multierr.Append(err, errors.New("emergency.stop_file 不能为空"))
	}
	if c.Emergency.DailyLossLimit <= 0 {
		err = multierr.Append(err, errors.New("emergency.daily_loss_limit 必须大于0"))
	}
	if c.Emergency.CheckInterval <= 0 {
		err = multierr.Append(err, errors.New("emergency.check_interval 必须大于0"))
	}
	if c.Emergency.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("emergency.shutdown_timeout 必须大于0"))
	}
	if c.Emergency.HeartbeatTimeout <= 0 {
		err = multierr.Append(err, errors.New("emergency.heartbeat_timeout 必须大于0"))
	}
	if c.Safety.CheckInterval <= 0 {
		err = multierr.Append(err, errors.New("safety.check_interval 必须大于0"))
	}
	if len(c.Safety.EnabledChecks) == 0 {
		err = multierr.Append(err, errors.New("safety.enabled_checks 至少启用一项检查"))
	}
	if c.Safety.MaxConcurrentPositions <= 0 {
		err = multierr.Append(err, errors.New("safety.max_concurrent_positions 必须大于0"))
	}
	if c.Safety.MaxPositionValue <= 0 {
		err = multierr.Append(err, errors.New("safety.max_position_value 必须大于0"))
	}
	if c.Safety.MaxSinglePositionSize <= 0 {
		err = multierr.Append(err, errors.New("safety.max_single_position_size 必须大于0"))
	}
	if c.Safety.MaxCPUUsage <= 0 || c.Safety.MaxCPUUsage > 100 {
		err = multierr.Append(err, errors.New("safety.max_cpu_usage 必须位于(0,100]"))
	}
	if c.Safety.MaxMemoryUsage <= 0 || c.Safety.MaxMemoryUsage > 100 {
		err = multierr.Append(err, errors.New("safety.max_memory_usage 必须位于(0,100]"))
	}
	if c.Safety.MinDiskSpaceGB < 0 {
		err = multierr.Append(err, errors.New("safety.min_disk_space_gb 不能为负"))
	}
	if c.Safety.APITimeoutThreshold <= 0 {
		err = multierr.Append(err, errors.New("safety.api_timeout_threshold 必须大于0"))
	}
	if c.Safety.MaxConsecutiveAPIFailure <= 0 {
		err = multierr.Append(err, errors.New("safety.max_consecutive_api_failures 必须大于0"))
	}
	if c.Safety.MaxDailyLossPercentage <= 0 || c.Safety.MaxDailyLossPercentage > 1 {
		err = multierr.Append(err, errors.New("safety.max_daily_loss_percentage 必须位于(0,1]"))
	}
	if c.Safety.MaxDrawdownPercentage <= 0 || c.Safety.MaxDrawdownPercentage > 1 {
		err = multierr.Append(err, errors.New("safety.max_drawdown_percentage 必须位于(0,1]"))
	}
	if _, parseErr := parseClock(c.Safety.MarketOpen); parseErr != nil {
		err = multierr.Append(err, fmt.Errorf("safety.market_open 格式无效: %w", parseErr))
	}
	if _, parseErr := parseClock(c.Safety.MarketClose); parseErr != nil {
		err = multierr.Append(err, fmt.Errorf("safety.market_close 格式无效: %w", parseErr))
	}
	if c.Safety.PreMarketBuffer < 0 || c.Safety.PostMarketBuffer < 0 {
		err = multierr.Append(err, errors.New("safety 开闭市缓冲时间不能为负"))
	}
	if c.Safety.ProbeTimeout <= 0 {
		err = multierr.Append(err, errors.New("safety.probe_timeout 必须大于0"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Scheduler.HeartbeatInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.heartbeat_interval 必须大于0"))
	}
	if c.Scheduler.HeartbeatInterval >= c.Emergency.HeartbeatTimeout {
		err = multierr.Append(err, errors.New("scheduler.heartbeat_interval 必须小于 emergency.heartbeat_timeout"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func parseClock(value string) (int, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(value, "%d:%d", &hour, &minute); err != nil {
		return 0, fmt.Errorf("期望 HH:MM 格式, 实际为 %q", value)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("时刻 %q 超出范围", value)
	}
	return hour*60 + minute, nil
}

// ClockMinutes 返回 "HH:MM" 对应从零点起的分钟数；配置通过校验后不会失败。
func ClockMinutes(value string) int {
	minutes, err := parseClock(value)
	if err != nil {
		return 0
	}
	return minutes
}
