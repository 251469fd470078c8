// control/config.go
// Author: momentics <momentics@gmail.com>
//
// TOML configuration file for reactor groups and the bundled tools.

package control

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileConfig mirrors the on-disk configuration file.
type FileConfig struct {
	Reactor ReactorSection `toml:"reactor"`
	Log     LogSection     `toml:"log"`
	Server  ServerSection  `toml:"server"`

	// Storage registers devices with every reactor; file only.
	Storage []StorageSection `toml:"storage"`
}

// ReactorSection configures every reactor of a group.
type ReactorSection struct {
	Count             int    `toml:"count"`
	Entries           uint32 `toml:"entries"`
	SetupFlags        uint32 `toml:"setup_flags"`
	RegisterRingFd    bool   `toml:"register_ring_fd"`
	Spin              bool   `toml:"spin"`
	Affinity          []int  `toml:"affinity"`
	TaskQueueCapacity int    `toml:"task_queue_capacity"`
}

// StorageSection is one [[storage]] table.
type StorageSection struct {
	Path          string `toml:"path"`
	MaxConcurrent int    `toml:"max_concurrent"`
	MaxPending    int    `toml:"max_pending"`
}

type LogSection struct {
	Level   string `toml:"level"`
	Path    string `toml:"path"`
	MaxSize int    `toml:"max_size"`
	MaxAge  int    `toml:"max_age"`
	Stdout  bool   `toml:"stdout"`
}

type ServerSection struct {
	Address    string `toml:"address"`
	Backlog    int    `toml:"backlog"`
	ReusePort  bool   `toml:"reuse_port"`
	TCPNoDelay bool   `toml:"tcp_nodelay"`
}

// LoadFile decodes path. Keys the file sets but FileConfig does not know are
// reported as an error so typos do not pass silently.
func LoadFile(path string) (*FileConfig, error) {
	var cfg FileConfig
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return &cfg, nil
}
