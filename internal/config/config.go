// Package config loads the coordinator's on-disk configuration. The file
// format and decode path (HCL body -> generic map -> mapstructure) mirror
// how the teacher's agent config is assembled, using the same two libraries
// (hashicorp/hcl/v2 and the mapstructure successor go-viper/mapstructure/v2).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the full set of recognized options from spec.md §6, plus the
// fault-controller and submission-pacing knobs the ambient stack needs.
type Config struct {
	DBPath                string `hcl:"db_path" mapstructure:"db_path"`
	StorageConfig         string `hcl:"storage_config,optional" mapstructure:"storage_config"`
	PrefetchTableMetadata bool   `hcl:"prefetch_table_metadata,optional" mapstructure:"prefetch_table_metadata"`

	NoWorkersTimeout    time.Duration `hcl:"-" mapstructure:"-"`
	NoWorkersTimeoutSec int           `hcl:"no_workers_timeout,optional" mapstructure:"no_workers_timeout"`

	WatchdogTimeout   time.Duration `hcl:"-" mapstructure:"-"`
	WatchdogTimeoutMS int           `hcl:"watchdog_timeout_ms,optional" mapstructure:"watchdog_timeout_ms"`

	PingInterval      time.Duration `hcl:"-" mapstructure:"-"`
	PingIntervalMS    int           `hcl:"ping_interval_ms,optional" mapstructure:"ping_interval_ms"`
	PingTimeout       time.Duration `hcl:"-" mapstructure:"-"`
	PingTimeoutMS     int           `hcl:"ping_timeout_ms,optional" mapstructure:"ping_timeout_ms"`
	PingFailuresToDrop int          `hcl:"ping_failures_to_drop,optional" mapstructure:"ping_failures_to_drop"`

	TaskFailuresToBlacklist int `hcl:"task_failures_to_blacklist,optional" mapstructure:"task_failures_to_blacklist"`

	NewJobRateLimit float64 `hcl:"new_job_rate_limit,optional" mapstructure:"new_job_rate_limit"`
	NewJobRateBurst int     `hcl:"new_job_rate_burst,optional" mapstructure:"new_job_rate_burst"`

	DefaultWorkPacketSize int `hcl:"default_work_packet_size,optional" mapstructure:"default_work_packet_size"`
	DefaultIOPacketSize   int `hcl:"default_io_packet_size,optional" mapstructure:"default_io_packet_size"`

	RPCBindAddr  string `hcl:"rpc_bind_addr,optional" mapstructure:"rpc_bind_addr"`
	HTTPBindAddr string `hcl:"http_bind_addr,optional" mapstructure:"http_bind_addr"`

	LogLevel  string `hcl:"log_level,optional" mapstructure:"log_level"`
	LogJSON   bool   `hcl:"log_json,optional" mapstructure:"log_json"`

	DisableCheckpoint bool `hcl:"disable_checkpoint,optional" mapstructure:"disable_checkpoint"`
}

// Default returns the zero-config defaults applied before any file or flag
// override, matching the teacher's pattern of a DefaultConfig() merged
// beneath file and flag layers.
func Default() *Config {
	cfg := &Config{
		DBPath:                  "./data",
		StorageConfig:           "file",
		PrefetchTableMetadata:   true,
		NoWorkersTimeoutSec:     120,
		WatchdogTimeoutMS:       300_000,
		PingIntervalMS:          5_000,
		PingTimeoutMS:           2_000,
		PingFailuresToDrop:      3,
		TaskFailuresToBlacklist: 5,
		NewJobRateLimit:         1,
		NewJobRateBurst:         4,
		DefaultWorkPacketSize:   64,
		DefaultIOPacketSize:     256,
		RPCBindAddr:             "127.0.0.1:7820",
		HTTPBindAddr:            "127.0.0.1:7821",
		LogLevel:                "info",
	}
	cfg.resolveDurations()
	return cfg
}

func (c *Config) resolveDurations() {
	c.NoWorkersTimeout = time.Duration(c.NoWorkersTimeoutSec) * time.Second
	c.WatchdogTimeout = time.Duration(c.WatchdogTimeoutMS) * time.Millisecond
	c.PingInterval = time.Duration(c.PingIntervalMS) * time.Millisecond
	c.PingTimeout = time.Duration(c.PingTimeoutMS) * time.Millisecond
}

// LoadHCL decodes an HCL config file on top of Default().
func LoadHCL(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	var raw struct {
		DBPath                  string  `hcl:"db_path,optional"`
		StorageConfig           string  `hcl:"storage_config,optional"`
		PrefetchTableMetadata   *bool   `hcl:"prefetch_table_metadata,optional"`
		NoWorkersTimeout        *int    `hcl:"no_workers_timeout,optional"`
		WatchdogTimeoutMS       *int    `hcl:"watchdog_timeout_ms,optional"`
		PingIntervalMS          *int    `hcl:"ping_interval_ms,optional"`
		PingTimeoutMS           *int    `hcl:"ping_timeout_ms,optional"`
		PingFailuresToDrop      *int    `hcl:"ping_failures_to_drop,optional"`
		TaskFailuresToBlacklist *int    `hcl:"task_failures_to_blacklist,optional"`
		NewJobRateLimit         *float64 `hcl:"new_job_rate_limit,optional"`
		NewJobRateBurst         *int    `hcl:"new_job_rate_burst,optional"`
		DefaultWorkPacketSize   *int    `hcl:"default_work_packet_size,optional"`
		DefaultIOPacketSize     *int    `hcl:"default_io_packet_size,optional"`
		RPCBindAddr             string  `hcl:"rpc_bind_addr,optional"`
		HTTPBindAddr            string  `hcl:"http_bind_addr,optional"`
		LogLevel                string  `hcl:"log_level,optional"`
		LogJSON                 *bool   `hcl:"log_json,optional"`
		DisableCheckpoint       *bool   `hcl:"disable_checkpoint,optional"`
	}
	if err := hclsimple.DecodeFile(path, nil, &raw); err != nil {
		var diags hcl.Diagnostics
		if asDiags(err, &diags) {
			return nil, fmt.Errorf("config: %s", diags.Error())
		}
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	overlay := map[string]interface{}{}
	setStr := func(key, val string) {
		if val != "" {
			overlay[key] = val
		}
	}
	setStr("db_path", raw.DBPath)
	setStr("storage_config", raw.StorageConfig)
	setStr("rpc_bind_addr", raw.RPCBindAddr)
	setStr("http_bind_addr", raw.HTTPBindAddr)
	setStr("log_level", raw.LogLevel)
	if raw.PrefetchTableMetadata != nil {
		overlay["prefetch_table_metadata"] = *raw.PrefetchTableMetadata
	}
	if raw.NoWorkersTimeout != nil {
		overlay["no_workers_timeout"] = *raw.NoWorkersTimeout
	}
	if raw.WatchdogTimeoutMS != nil {
		overlay["watchdog_timeout_ms"] = *raw.WatchdogTimeoutMS
	}
	if raw.PingIntervalMS != nil {
		overlay["ping_interval_ms"] = *raw.PingIntervalMS
	}
	if raw.PingTimeoutMS != nil {
		overlay["ping_timeout_ms"] = *raw.PingTimeoutMS
	}
	if raw.PingFailuresToDrop != nil {
		overlay["ping_failures_to_drop"] = *raw.PingFailuresToDrop
	}
	if raw.TaskFailuresToBlacklist != nil {
		overlay["task_failures_to_blacklist"] = *raw.TaskFailuresToBlacklist
	}
	if raw.NewJobRateLimit != nil {
		overlay["new_job_rate_limit"] = *raw.NewJobRateLimit
	}
	if raw.NewJobRateBurst != nil {
		overlay["new_job_rate_burst"] = *raw.NewJobRateBurst
	}
	if raw.DefaultWorkPacketSize != nil {
		overlay["default_work_packet_size"] = *raw.DefaultWorkPacketSize
	}
	if raw.DefaultIOPacketSize != nil {
		overlay["default_io_packet_size"] = *raw.DefaultIOPacketSize
	}
	if raw.LogJSON != nil {
		overlay["log_json"] = *raw.LogJSON
	}
	if raw.DisableCheckpoint != nil {
		overlay["disable_checkpoint"] = *raw.DisableCheckpoint
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: cfg, WeaklyTypedInput: true})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(overlay); err != nil {
		return nil, fmt.Errorf("config: apply overlay: %w", err)
	}

	cfg.resolveDurations()
	return cfg, cfg.Validate()
}

func asDiags(err error, out *hcl.Diagnostics) bool {
	diags, ok := err.(hcl.Diagnostics)
	if ok {
		*out = diags
	}
	return ok
}

// Validate enforces the invariants spec.md §6 implies (a path must be set;
// timeouts must be positive; thresholds must be positive).
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path is required")
	}
	if c.NoWorkersTimeoutSec <= 0 {
		return fmt.Errorf("config: no_workers_timeout must be positive")
	}
	if c.WatchdogTimeoutMS <= 0 {
		return fmt.Errorf("config: watchdog_timeout_ms must be positive")
	}
	if c.PingIntervalMS <= 0 || c.PingTimeoutMS <= 0 {
		return fmt.Errorf("config: ping_interval_ms and ping_timeout_ms must be positive")
	}
	if c.PingFailuresToDrop <= 0 {
		return fmt.Errorf("config: ping_failures_to_drop must be positive")
	}
	if c.TaskFailuresToBlacklist <= 0 {
		return fmt.Errorf("config: task_failures_to_blacklist must be positive")
	}
	if c.DefaultWorkPacketSize <= 0 || c.DefaultIOPacketSize <= 0 {
		return fmt.Errorf("config: default_work_packet_size and default_io_packet_size must be positive")
	}
	if c.DefaultIOPacketSize%c.DefaultWorkPacketSize != 0 {
		return fmt.Errorf("config: default_io_packet_size must be a multiple of default_work_packet_size")
	}
	c.resolveDurations()
	return nil
}
