// Package config loads daboutputd's settings from three layers: a
// persisted JSON file provides the defaults, environment variables override
// the file, and command-line flags override both.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dabtx/dexter-output/internal/dexter"
	"github.com/dabtx/dexter-output/internal/health"
	"github.com/dabtx/dexter-output/internal/output"
	"github.com/dabtx/dexter-output/internal/radio"
)

// Config is both the persisted JSON document and the fully-resolved set of
// settings daboutputd runs with, after flags and environment variables have
// been merged over it.
type Config struct {
	// Backend selects the radio.Device implementation: "dexter" dials real
	// hardware over IIOD, "mock" runs against an in-process synthetic
	// device for bring-up and testing without a board attached.
	Backend string `json:"backend"`

	IIODURI    string  `json:"iiod_uri"`
	SampleRate float64 `json:"sample_rate"`
	Frequency  float64 `json:"frequency"`
	LOOffset   float64 `json:"lo_offset"`
	TxGain     float64 `json:"txgain"`
	RxGain     float64 `json:"rxgain"`
	Bandwidth  float64 `json:"bandwidth"`
	Mode       string  `json:"mode"`
	Channel    string  `json:"channel"`
	// Channels is a comma-separated "label=hz" list, e.g. "12C=227360000,12D=229072000".
	Channels string `json:"channels"`

	Synchronous        bool    `json:"synchronous"`
	MuteNoTimestamps   bool    `json:"mute_no_timestamps"`
	Muting             bool    `json:"muting"`
	MaxGPSHoldoverS    float64 `json:"max_gps_holdover_s"`
	MaxQueuedFrames    int     `json:"max_queued_frames"`

	HwmonPath   string  `json:"hwmon_path"`
	IIORoot     string  `json:"iio_root"`
	SSHHost     string  `json:"ssh_host"`
	SSHUser     string  `json:"ssh_user"`
	SSHPort     int     `json:"ssh_port"`
	SSHPassword string  `json:"ssh_password"`
	SSHKeyPath  string  `json:"ssh_key_path"`
	HealthTimeoutS float64 `json:"health_timeout_s"`

	SiteID            string `json:"site_id"`
	AdvertiseInstance string `json:"advertise_instance"`
	DiscoveryEnabled  bool   `json:"discovery_enabled"`

	ControlAddr string `json:"control_addr"`
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
}

// Default returns the settings a fresh install starts from: a mock-backend,
// synchronous, no-SSH-health, no-discovery configuration - safe to run
// without hardware attached.
func Default() Config {
	return Config{
		Backend:          "mock",
		IIODURI:          "ip:127.0.0.1",
		SampleRate:       2_048_000,
		Frequency:        227_360_000,
		LOOffset:         0,
		TxGain:           -10,
		RxGain:           0,
		Bandwidth:        1_536_000,
		Mode:             "I",
		Channel:          "",
		Channels:         "",
		Synchronous:      true,
		MuteNoTimestamps: true,
		Muting:           false,
		MaxGPSHoldoverS:  60,
		MaxQueuedFrames:  250,
		HwmonPath:        "",
		IIORoot:          "/sys/bus/iio/devices",
		SSHPort:          22,
		HealthTimeoutS:   5,
		SiteID:           "",
		AdvertiseInstance: "",
		DiscoveryEnabled: false,
		ControlAddr:      ":8090",
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// Load reads path, creating it with Default() if it does not exist yet.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if saveErr := Save(path, cfg); saveErr != nil {
				return Config{}, saveErr
			}
			return cfg, nil
		}
		return Config{}, err
	}
	defer f.Close()

	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// Save persists cfg as indented JSON.
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Parse overlays command-line flags on top of defaults, with each flag's
// own default drawn from the environment first and defaults second
// (CLI flag > env var > file default).
func Parse(args []string, lookupEnv func(string) (string, bool), defaults Config) (Config, error) {
	cfg := Config{}
	fs := flag.NewFlagSet("daboutputd", flag.ContinueOnError)

	fs.StringVar(&cfg.Backend, "backend", envString(lookupEnv, "DABTX_BACKEND", defaults.Backend), "radio.Device backend (mock|dexter)")
	fs.StringVar(&cfg.IIODURI, "uri", envString(lookupEnv, "DABTX_URI", defaults.IIODURI), "IIOD connection URI")
	fs.Float64Var(&cfg.SampleRate, "sample-rate", envFloat(lookupEnv, "DABTX_SAMPLE_RATE", defaults.SampleRate), "Sample rate in Hz (must be 2048000)")
	fs.Float64Var(&cfg.Frequency, "freq", envFloat(lookupEnv, "DABTX_FREQ", defaults.Frequency), "Transmit center frequency in Hz")
	fs.Float64Var(&cfg.LOOffset, "lo-offset", envFloat(lookupEnv, "DABTX_LO_OFFSET", defaults.LOOffset), "LO offset in Hz")
	fs.Float64Var(&cfg.TxGain, "txgain", envFloat(lookupEnv, "DABTX_TXGAIN", defaults.TxGain), "Transmit gain in dB")
	fs.Float64Var(&cfg.RxGain, "rxgain", envFloat(lookupEnv, "DABTX_RXGAIN", defaults.RxGain), "Stored-only receive gain in dB (no RX path)")
	fs.Float64Var(&cfg.Bandwidth, "bandwidth", envFloat(lookupEnv, "DABTX_BANDWIDTH", defaults.Bandwidth), "Analog filter bandwidth in Hz")
	fs.StringVar(&cfg.Mode, "mode", envString(lookupEnv, "DABTX_MODE", defaults.Mode), "DAB transmission mode (I|II|III|IV)")
	fs.StringVar(&cfg.Channel, "channel", envString(lookupEnv, "DABTX_CHANNEL", defaults.Channel), "Initial channel label, looked up in -channels")
	fs.StringVar(&cfg.Channels, "channels", envString(lookupEnv, "DABTX_CHANNELS", defaults.Channels), "Channel table as label=hz,label=hz,...")

	fs.BoolVar(&cfg.Synchronous, "synchronous", envBool(lookupEnv, "DABTX_SYNCHRONOUS", defaults.Synchronous), "Require timestamp-aligned transmission")
	fs.BoolVar(&cfg.MuteNoTimestamps, "mute-no-timestamps", envBool(lookupEnv, "DABTX_MUTE_NO_TIMESTAMPS", defaults.MuteNoTimestamps), "Drop frames with no valid timestamp in synchronous mode")
	fs.BoolVar(&cfg.Muting, "muting", envBool(lookupEnv, "DABTX_MUTING", defaults.Muting), "Start muted")
	fs.Float64Var(&cfg.MaxGPSHoldoverS, "max-gps-holdover-s", envFloat(lookupEnv, "DABTX_MAX_GPS_HOLDOVER_S", defaults.MaxGPSHoldoverS), "Seconds the clock stays in holdover before returning to startup")
	fs.IntVar(&cfg.MaxQueuedFrames, "max-queued-frames", envInt(lookupEnv, "DABTX_MAX_QUEUED_FRAMES", defaults.MaxQueuedFrames), "Frame queue capacity before drop-oldest overflow")

	fs.StringVar(&cfg.HwmonPath, "hwmon-path", envString(lookupEnv, "DABTX_HWMON_PATH", defaults.HwmonPath), "hwmon sysfs path for board sensors (empty disables health reporting)")
	fs.StringVar(&cfg.IIORoot, "iio-root", envString(lookupEnv, "DABTX_IIO_ROOT", defaults.IIORoot), "IIO sysfs root for the xadc temperature device")
	fs.StringVar(&cfg.SSHHost, "ssh-host", envString(lookupEnv, "DABTX_SSH_HOST", defaults.SSHHost), "Read sensors over SSH to this host instead of local sysfs")
	fs.StringVar(&cfg.SSHUser, "ssh-user", envString(lookupEnv, "DABTX_SSH_USER", defaults.SSHUser), "SSH user for remote sensor reads")
	fs.IntVar(&cfg.SSHPort, "ssh-port", envInt(lookupEnv, "DABTX_SSH_PORT", defaults.SSHPort), "SSH port for remote sensor reads")
	fs.StringVar(&cfg.SSHPassword, "ssh-password", envString(lookupEnv, "DABTX_SSH_PASSWORD", defaults.SSHPassword), "SSH password for remote sensor reads")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", envString(lookupEnv, "DABTX_SSH_KEY", defaults.SSHKeyPath), "SSH private key path for remote sensor reads")
	fs.Float64Var(&cfg.HealthTimeoutS, "health-timeout-s", envFloat(lookupEnv, "DABTX_HEALTH_TIMEOUT_S", defaults.HealthTimeoutS), "Per-read timeout for sensor reads")

	fs.StringVar(&cfg.SiteID, "site-id", envString(lookupEnv, "DABTX_SITE_ID", defaults.SiteID), "Site identifier advertised over mDNS")
	fs.StringVar(&cfg.AdvertiseInstance, "advertise-instance", envString(lookupEnv, "DABTX_ADVERTISE_INSTANCE", defaults.AdvertiseInstance), "mDNS instance name (empty disables advertising)")
	fs.BoolVar(&cfg.DiscoveryEnabled, "discovery", envBool(lookupEnv, "DABTX_DISCOVERY", defaults.DiscoveryEnabled), "Advertise this unit over mDNS")

	fs.StringVar(&cfg.ControlAddr, "control-addr", envString(lookupEnv, "DABTX_CONTROL_ADDR", defaults.ControlAddr), "Remote-control HTTP listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", envString(lookupEnv, "DABTX_LOG_LEVEL", defaults.LogLevel), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.LogFormat, "log-format", envString(lookupEnv, "DABTX_LOG_FORMAT", defaults.LogFormat), "Log format (text|json)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseChannelTable turns "label=hz,label=hz" into a map, the form both the
// config file and -channels accept.
func ParseChannelTable(s string) (output.ChannelTable, error) {
	table := output.ChannelTable{}
	s = strings.TrimSpace(s)
	if s == "" {
		return table, nil
	}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("config: invalid channel entry %q, want label=hz", pair)
		}
		freq, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("config: invalid frequency in %q: %w", pair, err)
		}
		table[strings.TrimSpace(parts[0])] = freq
	}
	return table, nil
}

// FormatChannelTable is ParseChannelTable's inverse, used when persisting a
// table built or edited at runtime back to config.Channels.
func FormatChannelTable(table output.ChannelTable) string {
	labels := make([]string, 0, len(table))
	for label := range table {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	parts := make([]string, 0, len(labels))
	for _, label := range labels {
		parts = append(parts, fmt.Sprintf("%s=%s", label, strconv.FormatFloat(table[label], 'f', -1, 64)))
	}
	return strings.Join(parts, ",")
}

// DexterConfig builds the internal/dexter.Config hardware-bring-up half of
// this configuration.
func (c Config) DexterConfig() (dexter.Config, error) {
	mode, err := radio.ParseMode(c.Mode)
	if err != nil {
		return dexter.Config{}, err
	}
	return dexter.Config{
		URI:                c.IIODURI,
		SampleRate:         c.SampleRate,
		Frequency:          c.Frequency,
		LOOffset:           c.LOOffset,
		TxGain:             c.TxGain,
		Bandwidth:          c.Bandwidth,
		Mode:               mode,
		EnableSync:         c.Synchronous,
		MaxGPSHoldoverTime: time.Duration(c.MaxGPSHoldoverS * float64(time.Second)),
	}, nil
}

// OutputConfig builds the internal/output.Config remote-control-visible half
// of this configuration.
func (c Config) OutputConfig() (output.Config, error) {
	mode, err := radio.ParseMode(c.Mode)
	if err != nil {
		return output.Config{}, err
	}
	channels, err := ParseChannelTable(c.Channels)
	if err != nil {
		return output.Config{}, err
	}
	freq := c.Frequency
	if c.Channel != "" {
		f, ok := channels.Freq(c.Channel)
		if !ok {
			return output.Config{}, fmt.Errorf("config: channel %q not found in channel table", c.Channel)
		}
		freq = f
	}
	return output.Config{
		Mode:               mode,
		SampleRate:         c.SampleRate,
		TxGain:             c.TxGain,
		RxGain:             c.RxGain,
		Bandwidth:          c.Bandwidth,
		Freq:               freq,
		LOOffset:           c.LOOffset,
		Channel:            c.Channel,
		Muting:             c.Muting,
		Synchronous:        c.Synchronous,
		MuteNoTimestamps:   c.MuteNoTimestamps,
		MaxGPSHoldoverTime: time.Duration(c.MaxGPSHoldoverS * float64(time.Second)),
		MaxQueuedFrames:    c.MaxQueuedFrames,
		Channels:           channels,
	}, nil
}

// HealthConfig builds the internal/health.Config for board sensor reporting.
// It returns ok=false when HwmonPath is unset, meaning health reporting is
// disabled rather than misconfigured.
func (c Config) HealthConfig() (health.Config, bool) {
	if c.HwmonPath == "" {
		return health.Config{}, false
	}
	return health.Config{
		HwmonPath:   c.HwmonPath,
		IIORoot:     c.IIORoot,
		SSHHost:     c.SSHHost,
		SSHUser:     c.SSHUser,
		SSHPort:     c.SSHPort,
		SSHPassword: c.SSHPassword,
		SSHKeyPath:  c.SSHKeyPath,
		Timeout:     time.Duration(c.HealthTimeoutS * float64(time.Second)),
	}, true
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
