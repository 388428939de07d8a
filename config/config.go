// Package config loads dazukofsd's runtime configuration from an
// optional TOML file plus DAZUKOFS_* environment variable overrides,
// following the teacher's optional-struct-with-documented-defaults
// pattern (microbatch.BatcherConfig, longpoll.ChannelConfig).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/dazukofs/arbiter"
)

// Version is reported over the ctrl device for tooling, grounded on the
// original dazukofs_fs.h's DAZUKOFS_VERSION.
const Version = "0.1.0"

// DefaultDeviceName is the device-class name simulated device files are
// named after: "<name>.ctrl", "<name>.ign", "<name>.<k>".
const DefaultDeviceName = "dazukofs"

// Config is dazukofsd's full runtime configuration. The zero value is
// not meaningful; use Default or Load.
type Config struct {
	// DeviceName prefixes every simulated device socket's filename.
	DeviceName string `toml:"device_name"`
	// GroupMax caps the number of simultaneously non-deprecated groups.
	GroupMax int `toml:"group_max"`
	// SocketDir is the directory the simulated device sockets are
	// created in.
	SocketDir string `toml:"socket_dir"`
}

// Default returns the configuration dazukofsd uses absent any file or
// environment override.
func Default() Config {
	return Config{
		DeviceName: DefaultDeviceName,
		GroupMax:   arbiter.DefaultGroupMax,
		SocketDir:  filepath.Join(os.TempDir(), "dazukofs"),
	}
}

// Load builds a Config starting from Default, optionally overlaying a
// TOML file at path (skipped entirely if path is empty), then overlaying
// any DAZUKOFS_DEVICE_NAME / DAZUKOFS_GROUP_MAX / DAZUKOFS_SOCKET_DIR
// environment variables found.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	if v, ok := os.LookupEnv("DAZUKOFS_DEVICE_NAME"); ok {
		cfg.DeviceName = v
	}
	if v, ok := os.LookupEnv("DAZUKOFS_GROUP_MAX"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: DAZUKOFS_GROUP_MAX: %w", err)
		}
		cfg.GroupMax = n
	}
	if v, ok := os.LookupEnv("DAZUKOFS_SOCKET_DIR"); ok {
		cfg.SocketDir = v
	}

	return cfg, nil
}
