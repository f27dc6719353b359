// Package config loads the typed configuration this server consumes.
//
// Parsing and merging the underlying file is viper's job ("configuration
// file parsing" is explicitly out of scope per the design); this package
// only defines the typed shape every other package depends on and applies
// defaults. The section/key names below mirror the enumerated options
// one-to-one:
//
//	ffmpeg.*            -> Config.FFmpeg
//	thumbnail.*         -> Config.Thumbnail
//	local.*             -> Config.Local
//	rtmp-server.*       -> Config.RTMPServer
//	http-server.*       -> Config.HTTPServer
//	mobile.*            -> Config.Mobile
//	general.*           -> Config.General
//	database.*          -> Config.Database (not in spec.md §6, added for
//	                       the persisted-state store this expansion adds)
//	log.*               -> Config.Log
//	providers           -> Config.Providers (not in spec.md §6; carries
//	                       the already-resolved provider catalog spec.md
//	                       §4.11/§9 scopes the acquisition mode for out)
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// FFmpegConfig holds transcoder lifecycle timing.
type FFmpegConfig struct {
	Timeout time.Duration // grace-period before killing an idle process
	Reload  time.Duration // delay before respawning a crashed process
}

// ThumbnailSize names one resize variant ("name:scale" in the original).
type ThumbnailSize struct {
	Name  string
	Scale string
}

// ThumbnailConfig holds the periodic thumbnail round parameters.
type ThumbnailConfig struct {
	Interval       time.Duration
	Workers        int
	Timeout        time.Duration
	DeleteAfter    time.Duration
	Sizes          []ThumbnailSize
	InputOpt       string
	OutputOpt      string
	ResizeOpt      string
	Dir            string
	Format         string
	StartAfter     time.Duration
	MobileInterval time.Duration
}

// LocalConfig holds the addresses this process listens on, plus the
// clamp range for HTTP pseudo-client timeouts.
type LocalConfig struct {
	Addr              string
	Port              int
	TCPPort           int
	HTTPClientTimeout time.Duration
	HTTPClientMin     time.Duration
	HTTPClientMax     time.Duration
}

// RTMPServerConfig describes the local RTMP origin this server republishes
// to and reads upstream statistics from.
type RTMPServerConfig struct {
	Addr string
	App  string
}

// HTTPServerConfig describes the upstream stats endpoint used at bootstrap.
type HTTPServerConfig struct {
	Addr       string
	StatURL    string
	ControlURL string
}

// MobileConfig holds mobile-ingest session parameters.
type MobileConfig struct {
	TimeLimit time.Duration
	Dir       string
}

// GeneralConfig holds auto-start directives.
type GeneralConfig struct {
	AutoStart         []string
	AutoStartProvider []string
}

// DatabaseConfig configures the persisted-state store.
type DatabaseConfig struct {
	Path string
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string
	Pretty bool
}

// ProviderSpec is one entry of the `providers` config list: the
// already-resolved stream catalog for one provider, the output of the
// original's list/file/download acquisition modes (all out of scope
// here — this type only carries the result, never reads a file or URL
// itself).
type ProviderSpec struct {
	Prefix           string
	Kind             string // "numeric" or "named"
	InputStreamTmpl  string
	OutputStreamTmpl string
	InputOpts        string
	OutputOpts       string
	StreamList       []string
	ProbeSize        string
	Bin              string
	ThumbnailLocal   bool
}

// Config is the fully typed, defaulted configuration tree.
type Config struct {
	FFmpeg     FFmpegConfig
	Thumbnail  ThumbnailConfig
	Local      LocalConfig
	RTMPServer RTMPServerConfig
	HTTPServer HTTPServerConfig
	Mobile     MobileConfig
	General    GeneralConfig
	Database   DatabaseConfig
	Log        LogConfig
	Providers  []ProviderSpec
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ffmpeg.timeout", "10s")
	v.SetDefault("ffmpeg.reload", "5s")

	v.SetDefault("thumbnail.interval", "60s")
	v.SetDefault("thumbnail.workers", 4)
	v.SetDefault("thumbnail.timeout", "15s")
	v.SetDefault("thumbnail.delete_after", "24h")
	v.SetDefault("thumbnail.sizes", []string{})
	v.SetDefault("thumbnail.input_opt", "-rtsp_transport tcp")
	v.SetDefault("thumbnail.output_opt", "-vframes 1")
	v.SetDefault("thumbnail.resize_opt", "-vf scale=-1:{0}")
	v.SetDefault("thumbnail.dir", "./thumbnails")
	v.SetDefault("thumbnail.format", "jpg")
	v.SetDefault("thumbnail.start_after", "0s")
	v.SetDefault("thumbnail.mobile_interval", "5s")

	v.SetDefault("local.addr", "127.0.0.1")
	v.SetDefault("local.port", 8080)
	v.SetDefault("local.tcp_port", 9090)
	v.SetDefault("local.http_client_timeout", "10s")
	v.SetDefault("local.http_client_timeout_min", "5s")
	v.SetDefault("local.http_client_timeout_max", "300s")

	v.SetDefault("rtmp-server.addr", "rtmp://127.0.0.1/")
	v.SetDefault("rtmp-server.app", "live")

	v.SetDefault("http-server.addr", "http://127.0.0.1:8081")
	v.SetDefault("http-server.stat_url", "/stat")
	v.SetDefault("http-server.control_url", "/control")

	v.SetDefault("mobile.time_limit", "0s")
	v.SetDefault("mobile.dir", "/tmp/dss-mobile")

	v.SetDefault("general.auto_start", []string{})
	v.SetDefault("general.auto_start_provider", []string{})

	v.SetDefault("database.path", "./dss.sqlite")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads configuration from defaults, the named file (if it exists),
// and environment variables prefixed DSS_, in that order of increasing
// priority, and returns the typed Config. It is not an error for path to
// be empty or missing: defaults and environment apply regardless.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DSS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		FFmpeg: FFmpegConfig{
			Timeout: v.GetDuration("ffmpeg.timeout"),
			Reload:  v.GetDuration("ffmpeg.reload"),
		},
		Thumbnail: ThumbnailConfig{
			Interval:       v.GetDuration("thumbnail.interval"),
			Workers:        v.GetInt("thumbnail.workers"),
			Timeout:        v.GetDuration("thumbnail.timeout"),
			DeleteAfter:    v.GetDuration("thumbnail.delete_after"),
			Sizes:          parseSizes(v.GetStringSlice("thumbnail.sizes")),
			InputOpt:       v.GetString("thumbnail.input_opt"),
			OutputOpt:      v.GetString("thumbnail.output_opt"),
			ResizeOpt:      v.GetString("thumbnail.resize_opt"),
			Dir:            v.GetString("thumbnail.dir"),
			Format:         v.GetString("thumbnail.format"),
			StartAfter:     v.GetDuration("thumbnail.start_after"),
			MobileInterval: v.GetDuration("thumbnail.mobile_interval"),
		},
		Local: LocalConfig{
			Addr:              v.GetString("local.addr"),
			Port:              v.GetInt("local.port"),
			TCPPort:           v.GetInt("local.tcp_port"),
			HTTPClientTimeout: v.GetDuration("local.http_client_timeout"),
			HTTPClientMin:     v.GetDuration("local.http_client_timeout_min"),
			HTTPClientMax:     v.GetDuration("local.http_client_timeout_max"),
		},
		RTMPServer: RTMPServerConfig{
			Addr: v.GetString("rtmp-server.addr"),
			App:  v.GetString("rtmp-server.app"),
		},
		HTTPServer: HTTPServerConfig{
			Addr:       v.GetString("http-server.addr"),
			StatURL:    v.GetString("http-server.stat_url"),
			ControlURL: v.GetString("http-server.control_url"),
		},
		Mobile: MobileConfig{
			TimeLimit: v.GetDuration("mobile.time_limit"),
			Dir:       v.GetString("mobile.dir"),
		},
		General: GeneralConfig{
			AutoStart:         v.GetStringSlice("general.auto_start"),
			AutoStartProvider: v.GetStringSlice("general.auto_start_provider"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Pretty: v.GetBool("log.pretty"),
		},
		Providers: parseProviders(v),
	}
	return cfg, nil
}

// parseProviders decodes the `providers` list, a slice of maps under the
// `providers` key (YAML sequence of mappings). Missing or malformed
// entries are skipped rather than failing configuration load, since a
// single bad catalog entry should not prevent boot.
func parseProviders(v *viper.Viper) []ProviderSpec {
	var raw []map[string]any
	if err := v.UnmarshalKey("providers", &raw); err != nil {
		return nil
	}
	specs := make([]ProviderSpec, 0, len(raw))
	for _, m := range raw {
		prefix, _ := m["prefix"].(string)
		if prefix == "" {
			continue
		}
		kind, _ := m["kind"].(string)
		if kind == "" {
			kind = "numeric"
		}
		spec := ProviderSpec{
			Prefix:           prefix,
			Kind:             kind,
			InputStreamTmpl:  stringField(m, "input_stream"),
			OutputStreamTmpl: stringField(m, "output_stream"),
			InputOpts:        stringField(m, "input_opts"),
			OutputOpts:       stringField(m, "output_opts"),
			ProbeSize:        stringField(m, "probe_size"),
			Bin:              stringField(m, "bin"),
			ThumbnailLocal:   boolField(m, "thumbnail_local"),
			StreamList:       stringListField(m, "stream_list"),
		}
		specs = append(specs, spec)
	}
	return specs
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func stringListField(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func parseSizes(raw []string) []ThumbnailSize {
	sizes := make([]ThumbnailSize, 0, len(raw))
	for _, s := range raw {
		parts := strings.SplitN(s, ":", 2)
		if len(parts) != 2 {
			continue
		}
		sizes = append(sizes, ThumbnailSize{Name: parts[0], Scale: parts[1]})
	}
	return sizes
}

// Watch re-invokes fn with a freshly decoded Config whenever the backing
// file changes on disk, using fsnotify the way viper's own WatchConfig
// does internally. Safe to call with an empty path (no-op).
func Watch(path string, fn func(*Config)) error {
	if path == "" {
		return nil
	}
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			return
		}
		fn(cfg)
	})
	v.WatchConfig()
	return nil
}
