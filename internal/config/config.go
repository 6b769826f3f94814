// Package config owns the ".ethersync" marker directory lifecycle and the
// UTF-8 INI config file inside it: the daemon's own identity and the set
// of previously known peers to seed reconnection.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// MarkerDirName is the fixed name of the per-project marker directory.
const MarkerDirName = ".ethersync"

// PeerRecord is a previously known peer, used only to seed the transport's
// initial dial list; the handshake always re-verifies identity, so a
// stale or wrong address here only costs a failed dial, never a security
// property.
type PeerRecord struct {
	ID      string
	Address string
}

// Config is the persisted content of .ethersync/config.
type Config struct {
	SecretKey   []byte
	Peers       []PeerRecord
	PairingCode string
}

// MarkerDir returns the marker directory path for a project root.
func MarkerDir(projectDir string) string {
	return filepath.Join(projectDir, MarkerDirName)
}

func configPath(projectDir string) string {
	return filepath.Join(MarkerDir(projectDir), "config")
}

// SnapshotPath returns the path to the CRDT snapshot file for a project.
func SnapshotPath(projectDir string) string {
	return filepath.Join(MarkerDir(projectDir), "doc")
}

// EnsureProject prepares a project's marker directory: it refuses to
// start if the marker directory exists with an unreadable
// "doc" file, and only treats the project as brand new (isNew == true)
// when the marker directory is absent or empty.
func EnsureProject(projectDir string) (isNew bool, err error) {
	dir := MarkerDir(projectDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return false, fmt.Errorf("config: read marker directory: %w", err)
		}
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			return false, fmt.Errorf("config: create marker directory: %w", mkErr)
		}
		return true, nil
	}
	if len(entries) == 0 {
		return true, nil
	}

	docPath := SnapshotPath(projectDir)
	if _, statErr := os.Stat(docPath); statErr == nil {
		if _, readErr := os.ReadFile(docPath); readErr != nil {
			return false, fmt.Errorf("config: marker directory exists but its snapshot is unreadable, refusing to start: %w", readErr)
		}
	}
	return false, nil
}

// Load reads and parses .ethersync/config. A missing file returns a zero
// Config and no error; callers distinguish "no config yet" by checking
// len(SecretKey) == 0 and generating a fresh identity.
func Load(projectDir string) (*Config, error) {
	data, err := os.ReadFile(configPath(projectDir))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("config: read: %w", err)
	}
	doc, err := parseINI(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if hexKey, ok := doc.get("identity", "secret_key"); ok {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("config: identity.secret_key is not valid hex: %w", err)
		}
		cfg.SecretKey = key
	}
	if code, ok := doc.get("identity", "pairing_code"); ok {
		cfg.PairingCode = code
	}
	for id, addr := range doc.sections["peers"] {
		cfg.Peers = append(cfg.Peers, PeerRecord{ID: id, Address: addr})
	}
	return cfg, nil
}

// Save writes the config back to .ethersync/config.
func (c *Config) Save(projectDir string) error {
	doc := newINIDocument()
	doc.set("identity", "secret_key", hex.EncodeToString(c.SecretKey))
	if c.PairingCode != "" {
		doc.set("identity", "pairing_code", c.PairingCode)
	}
	for _, p := range c.Peers {
		doc.set("peers", p.ID, p.Address)
	}
	if err := os.WriteFile(configPath(projectDir), doc.encode(), 0o600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return nil
}

// AddOrUpdatePeer records a peer's last known address, used after a
// successful handshake so future restarts can dial it directly.
func (c *Config) AddOrUpdatePeer(id, address string) {
	for i := range c.Peers {
		if c.Peers[i].ID == id {
			c.Peers[i].Address = address
			return
		}
	}
	c.Peers = append(c.Peers, PeerRecord{ID: id, Address: address})
}
