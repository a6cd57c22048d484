package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/voyagen/streamsweep/internal/models"
	"github.com/voyagen/streamsweep/internal/playlist"
)

// DefaultShardSize is the per-file record cap before a partition is split.
const DefaultShardSize = 4000

const (
	dataExt     = ".json"
	playlistExt = ".m3u"
)

// FileBackend stores each partition as JSON files under a root directory:
//
//	<root>/working_channels.json
//	<root>/countries/<key>.json
//	<root>/categories/<key>.json
//
// Partitions larger than the shard size are split into <key>.json,
// <key>.1.json, <key>.2.json, ... and concatenated back on read. Sanitized
// keys never contain a dot, so shard names cannot collide with other keys.
type FileBackend struct {
	root      string
	shardSize int
	playlists bool
}

type FileOption func(*FileBackend)

// WithPlaylists also writes every partition as <key>.m3u next to its shards.
func WithPlaylists(enabled bool) FileOption {
	return func(b *FileBackend) {
		b.playlists = enabled
	}
}

// NewFileBackend creates the root directory if needed.
func NewFileBackend(root string, shardSize int, opts ...FileOption) (*FileBackend, error) {
	if shardSize <= 0 {
		shardSize = DefaultShardSize
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	b := &FileBackend{root: root, shardSize: shardSize}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *FileBackend) dir(kind Kind) string {
	if kind == KindUnified {
		return b.root
	}
	return filepath.Join(b.root, string(kind))
}

// base is the shard path stem of a partition. Keys that could leave the
// partition directory are rejected.
func (b *FileBackend) base(p Partition) (string, error) {
	if p.Key == "" || p.Key == "." || strings.Contains(p.Key, "..") || strings.ContainsAny(p.Key, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, p.Key)
	}
	return filepath.Join(b.dir(p.Kind), p.Key), nil
}

func shardPath(base string, n int) string {
	if n == 0 {
		return base + dataExt
	}
	return base + "." + strconv.Itoa(n) + dataExt
}

// Read concatenates shards 0, 1, 2, ... until one is missing.
func (b *FileBackend) Read(_ context.Context, p Partition) ([]models.Channel, error) {
	base, err := b.base(p)
	if err != nil {
		return nil, err
	}
	var out []models.Channel
	for n := 0; ; n++ {
		data, err := os.ReadFile(shardPath(base, n))
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read shard %d: %w", n, err)
		}
		var part []models.Channel
		if err := json.Unmarshal(data, &part); err != nil {
			return nil, fmt.Errorf("decode %s: %w", shardPath(base, n), err)
		}
		out = append(out, part...)
	}
	return out, nil
}

// Write replaces a partition's shards. New shards are written before stale
// higher-numbered shards are removed, each through a temp file and rename.
func (b *FileBackend) Write(_ context.Context, p Partition, channels []models.Channel) error {
	base, err := b.base(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(b.dir(p.Kind), 0o755); err != nil {
		return fmt.Errorf("create partition dir: %w", err)
	}

	shards := 0
	for lo := 0; lo < len(channels) || shards == 0; lo += b.shardSize {
		hi := min(lo+b.shardSize, len(channels))
		part := channels[lo:hi]
		if part == nil {
			part = []models.Channel{}
		}
		data, err := json.MarshalIndent(part, "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", p, err)
		}
		if err := writeFileAtomic(shardPath(base, shards), data); err != nil {
			return err
		}
		shards++
	}
	if err := removeShards(base, shards); err != nil {
		return err
	}

	if b.playlists {
		var buf bytes.Buffer
		if err := playlist.Encode(&buf, channels); err != nil {
			return fmt.Errorf("encode playlist %s: %w", p, err)
		}
		if err := writeFileAtomic(base+playlistExt, buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// List returns partitions that have a first shard on disk.
func (b *FileBackend) List(_ context.Context, kind Kind) ([]Partition, error) {
	if kind == KindUnified {
		if _, err := os.Stat(shardPath(filepath.Join(b.root, UnifiedKey), 0)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
		return []Partition{Unified}, nil
	}

	entries, err := os.ReadDir(b.dir(kind))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, dataExt) {
			continue
		}
		stem := strings.TrimSuffix(name, dataExt)
		if strings.Contains(stem, ".") {
			continue // shard n > 0 or temp file
		}
		keys = append(keys, stem)
	}
	sort.Strings(keys)
	parts := make([]Partition, len(keys))
	for i, k := range keys {
		parts[i] = Partition{Kind: kind, Key: k}
	}
	return parts, nil
}

// Reset removes the country and category directories and the unified shards.
func (b *FileBackend) Reset(_ context.Context) error {
	for _, kind := range []Kind{KindCountry, KindCategory} {
		if err := os.RemoveAll(b.dir(kind)); err != nil {
			return fmt.Errorf("reset %s: %w", kind, err)
		}
	}
	base := filepath.Join(b.root, UnifiedKey)
	if err := removeShards(base, 0); err != nil {
		return err
	}
	if err := os.Remove(base + playlistExt); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reset playlist: %w", err)
	}
	return nil
}

// removeShards deletes shards numbered from first upward until one is missing.
func removeShards(base string, first int) error {
	for n := first; ; n++ {
		err := os.Remove(shardPath(base, n))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("remove shard %d: %w", n, err)
		}
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
