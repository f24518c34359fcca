// Package config defines the service descriptor and discovery payload
// types (spec.md §6), parsed with gopkg.in/yaml.v3 to match the
// teacher's convention of keeping wire/config schemas as plain structs
// with struct tags rather than hand-rolled parsers.
package config

import "time"

// Service is one service's static descriptor: how clients reach it, how
// its backend topology is discovered, and where its snapshot lives.
type Service struct {
	Family   string        `yaml:"family"`   // "tcp" | "unix"
	Address  string        `yaml:"address"`  // "host:port" | "/path"
	Protocol string        `yaml:"protocol"` // "mc" | "redis"
	Endpoint string        `yaml:"endpoint"` // "cs" | "rs" (topology kind)
	Name     string        `yaml:"service"`  // discovery key
	Snapshot string        `yaml:"snapshot"` // local snapshot directory
	Tick     time.Duration `yaml:"tick"`
}

// Discovery is one service's shard layout, as delivered by the
// discovery watcher or loaded from a snapshot file.
type Discovery struct {
	Hash            string     `yaml:"hash"`
	Distribution    string     `yaml:"distribution"`
	HashTag         string     `yaml:"hash_tag"`
	Master          []string   `yaml:"master"`
	MasterL1        [][]string `yaml:"master_l1"`
	Slave           []string   `yaml:"slave"`
	SlaveL1         [][]string `yaml:"slave_l1"`
	Exptime         int        `yaml:"exptime"`
	TimeoutMsMaster uint32     `yaml:"timeout_ms_master"`
	TimeoutMsSlave  uint32     `yaml:"timeout_ms_slave"`
	ForceWriteAll   bool       `yaml:"force_write_all"`
	UpdateSlaveL1   bool       `yaml:"update_slave_l1"`
}

// WriteBackTTL returns the configured write-back TTL, defaulting to 24h
// (protocol.WriteBackTTL) when Exptime is unset.
func (d *Discovery) WriteBackTTL() time.Duration {
	if d.Exptime <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(d.Exptime) * time.Second
}
