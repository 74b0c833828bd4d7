// Package repo ties the pack and index writers into sharded, crash-
// recoverable pack bundles: C4 of the depot core.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	shardDirPrefix  = "shard-"
	packFilePrefix  = "pack-"
	packDataSuffix  = ".dat"
	packIndexSuffix = ".idx"
)

// Layout resolves shard directories and pack file paths under a repository
// root.
type Layout struct {
	root string
}

// NewLayout returns a Layout rooted at root.
func NewLayout(root string) *Layout {
	return &Layout{root: root}
}

// Root returns the repository root directory.
func (l *Layout) Root() string { return l.root }

// ShardDirName formats a shard id as "shard-HH" (lowercase hex, 2 digits).
func ShardDirName(shard uint8) string {
	return fmt.Sprintf("%s%02x", shardDirPrefix, shard)
}

// PackBaseName formats a pack id as "pack-NNNNNN" (zero-padded to 6 digits).
func PackBaseName(packID uint32) string {
	return fmt.Sprintf("%s%06d", packFilePrefix, packID)
}

// EnsureShardDir creates (if needed) and returns the directory for shard.
func (l *Layout) EnsureShardDir(shard uint8) (string, error) {
	dir := filepath.Join(l.root, ShardDirName(shard))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// PackPaths returns the (dat, idx) paths for a shard/pack id pair, creating
// the shard directory if it does not already exist.
func (l *Layout) PackPaths(shard uint8, packID uint32) (string, string, error) {
	dir, err := l.EnsureShardDir(shard)
	if err != nil {
		return "", "", err
	}
	base := PackBaseName(packID)
	return filepath.Join(dir, base+packDataSuffix), filepath.Join(dir, base+packIndexSuffix), nil
}

// ShardDirs lists the existing shard directories under root, in the order
// returned by the filesystem; used by crash recovery to walk every shard.
func (l *Layout) ShardDirs() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && len(e.Name()) > len(shardDirPrefix) && e.Name()[:len(shardDirPrefix)] == shardDirPrefix {
			dirs = append(dirs, filepath.Join(l.root, e.Name()))
		}
	}
	return dirs, nil
}
