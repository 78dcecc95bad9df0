// Package config holds the tunables a seeder or leecher session is created
// with. Modeled on the teacher's daemon/config/config.go: a flat struct with
// sane defaults and a LoadConfig that, absent an external config format
// requirement, returns those defaults — the teacher's own simplification.
package config

// Config holds session configuration shared by the seeder and leecher entry
// points (spec §6's seeder_create/leecher_create params, plus the ambient
// knobs the library surface doesn't name but every component needs).
type Config struct {
	ListenAddress  string // UDP listen address; default port is caller-chosen per spec §6
	ChunkSize      uint32 // default 1024, negotiated per spec §3
	HashesPerMTU   uint32 // max chunks per INTEGRITY/REQUEST batch, default 256
	PeerTimeout    int    // seconds with no inbound before a peer is marked to_remove
	WorkerCount    int    // not read: the seeder starts one worker goroutine per leecher
	QueueDepth     int    // not read: each peer record holds one pending datagram
	EventBufferSize int   // not read: the cmd entry points pass their own size to events.NewPublisher
}

// DefaultConfig returns the defaults spec §3/§4.4 name explicitly
// (ChunkSize=1024, HashesPerMTU=256) plus the ambient runtime knobs.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:   ":7777",
		ChunkSize:       1024,
		HashesPerMTU:    256,
		PeerTimeout:     30,
		WorkerCount:     8,
		QueueDepth:      32,
		EventBufferSize: 100,
	}
}

// LoadConfig loads configuration from a file. No external config-file format
// is mandated by the core (spec §6's "Environment" note: no environment
// variables or config format are part of the core contract), so this
// mirrors the teacher's own simplification and returns defaults.
func LoadConfig(configPath string) (*Config, error) {
	return DefaultConfig(), nil
}
