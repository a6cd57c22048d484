package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"strings"
	"unicode"

	"github.com/voyagen/streamsweep/internal/metrics"
	"github.com/voyagen/streamsweep/internal/models"
)

// ErrUnknownBackend is returned when a configured backend name is not recognised.
var ErrUnknownBackend = errors.New("unknown store backend")

// ErrInvalidKey is returned for a partition key that is not in sanitized form.
var ErrInvalidKey = errors.New("invalid partition key")

// Kind names a family of partitions.
type Kind string

const (
	KindUnified  Kind = "unified"
	KindCountry  Kind = "countries"
	KindCategory Kind = "categories"
)

// UnifiedKey is the key of the single unified partition.
const UnifiedKey = "working_channels"

// Partition identifies one persisted view of the record set.
type Partition struct {
	Kind Kind
	Key  string
}

// Unified is the partition holding every persisted record.
var Unified = Partition{Kind: KindUnified, Key: UnifiedKey}

func (p Partition) String() string {
	return string(p.Kind) + "/" + p.Key
}

// Backend persists partitions. Read returns (nil, nil) for a partition that
// does not exist. Write replaces the partition's whole content.
type Backend interface {
	Read(ctx context.Context, p Partition) ([]models.Channel, error)
	Write(ctx context.Context, p Partition, channels []models.Channel) error
	// List returns the partitions of a kind in key order.
	List(ctx context.Context, kind Kind) ([]Partition, error)
	// Reset deletes every partition.
	Reset(ctx context.Context) error
}

// Mode selects how Save treats existing content.
type Mode int

const (
	// ModeReplace deletes every partition and rewrites from the given records.
	ModeReplace Mode = iota
	// ModeAppend unions the records into the partitions they touch.
	ModeAppend
)

func (m Mode) String() string {
	if m == ModeAppend {
		return "append"
	}
	return "replace"
}

// SanitizeKey keeps letters, digits, spaces, underscores and hyphens, then
// trims surrounding space. An empty result means the partition is skipped.
func SanitizeKey(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// PartitionsFor returns the country and category partitions a record fans out to.
func PartitionsFor(ch models.Channel) []Partition {
	var parts []Partition
	country := ch.Country
	if country == "" {
		country = models.UnknownCountry
	}
	if key := SanitizeKey(country); key != "" {
		parts = append(parts, Partition{Kind: KindCountry, Key: key})
	}
	cats := ch.Categories
	if len(cats) == 0 {
		cats = []string{models.DefaultCategory}
	}
	seen := make(map[string]struct{}, len(cats))
	for _, cat := range cats {
		key := SanitizeKey(cat)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		parts = append(parts, Partition{Kind: KindCategory, Key: key})
	}
	return parts
}

// Summary describes the result of a Save.
type Summary struct {
	Mode       Mode
	Records    int
	Partitions int
}

// Partitioned keeps a unified view plus per-country and per-category views
// consistent on top of a Backend.
type Partitioned struct {
	backend Backend
	logger  *log.Logger
	metrics *metrics.Metrics
}

type Option func(*Partitioned)

func WithLogger(logger *log.Logger) Option {
	return func(s *Partitioned) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Partitioned) {
		s.metrics = m
	}
}

// New creates a Partitioned store over backend.
func New(backend Backend, opts ...Option) *Partitioned {
	s := &Partitioned{backend: backend, logger: log.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save persists records. Records with an empty id or url never reach any partition.
func (s *Partitioned) Save(ctx context.Context, records []models.Channel, mode Mode) (Summary, error) {
	records = models.Dedupe(records)
	switch mode {
	case ModeReplace:
		return s.replace(ctx, records)
	case ModeAppend:
		return s.append(ctx, records)
	default:
		return Summary{}, fmt.Errorf("unknown save mode %d", mode)
	}
}

func (s *Partitioned) replace(ctx context.Context, records []models.Channel) (Summary, error) {
	if err := s.backend.Reset(ctx); err != nil {
		return Summary{}, fmt.Errorf("Reset: %w", err)
	}
	if err := s.write(ctx, Unified, records); err != nil {
		return Summary{}, err
	}
	parts, groups := fanOut(records)
	for _, p := range parts {
		if err := s.write(ctx, p, groups[p]); err != nil {
			return Summary{}, err
		}
	}
	s.logger.Printf("store: replace wrote %d records into %d partitions", len(records), len(parts))
	return Summary{Mode: ModeReplace, Records: len(records), Partitions: len(parts)}, nil
}

func (s *Partitioned) append(ctx context.Context, records []models.Channel) (Summary, error) {
	existing, err := s.LoadPartition(ctx, Unified)
	if err != nil {
		return Summary{}, err
	}
	merged := models.Dedupe(append(slices.Clone(existing), records...))
	// Only records that made it into the unified view fan out, so partitions
	// never hold a record the unified view rejected.
	admitted := merged[len(existing):]
	if len(admitted) == 0 {
		return Summary{Mode: ModeAppend}, nil
	}
	if err := s.write(ctx, Unified, merged); err != nil {
		return Summary{}, err
	}

	parts, groups := fanOut(admitted)
	for _, p := range parts {
		current, err := s.LoadPartition(ctx, p)
		if err != nil {
			return Summary{}, err
		}
		if err := s.write(ctx, p, models.Dedupe(append(current, groups[p]...))); err != nil {
			return Summary{}, err
		}
	}
	s.logger.Printf("store: append added %d records across %d partitions", len(admitted), len(parts))
	return Summary{Mode: ModeAppend, Records: len(admitted), Partitions: len(parts)}, nil
}

// Load returns the unified view, deduplicated.
func (s *Partitioned) Load(ctx context.Context) ([]models.Channel, error) {
	return s.LoadPartition(ctx, Unified)
}

// LoadPartition returns one partition, deduplicated to heal any duplication on disk.
func (s *Partitioned) LoadPartition(ctx context.Context, p Partition) ([]models.Channel, error) {
	if p != Unified && (p.Key == "" || SanitizeKey(p.Key) != p.Key) {
		return nil, fmt.Errorf("Read %s: %w", p, ErrInvalidKey)
	}
	chs, err := s.backend.Read(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("Read %s: %w", p, err)
	}
	return models.Dedupe(chs), nil
}

// Partitions lists the stored partitions of a kind.
func (s *Partitioned) Partitions(ctx context.Context, kind Kind) ([]Partition, error) {
	parts, err := s.backend.List(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("List %s: %w", kind, err)
	}
	return parts, nil
}

// Sync rebuilds the unified view from every country and category partition.
func (s *Partitioned) Sync(ctx context.Context) ([]models.Channel, error) {
	var all []models.Channel
	for _, kind := range []Kind{KindCountry, KindCategory} {
		parts, err := s.Partitions(ctx, kind)
		if err != nil {
			return nil, err
		}
		for _, p := range parts {
			chs, err := s.LoadPartition(ctx, p)
			if err != nil {
				return nil, err
			}
			all = append(all, chs...)
		}
	}
	unified := models.Dedupe(all)
	if err := s.write(ctx, Unified, unified); err != nil {
		return nil, err
	}
	s.logger.Printf("store: sync rebuilt unified view with %d records", len(unified))
	return unified, nil
}

func (s *Partitioned) write(ctx context.Context, p Partition, chs []models.Channel) error {
	if err := s.backend.Write(ctx, p, chs); err != nil {
		return fmt.Errorf("Write %s: %w", p, err)
	}
	s.metrics.IncrementPartitionWrite(string(p.Kind))
	return nil
}

// fanOut groups records by partition, returning partitions in a stable order
// (countries before categories, then by key).
func fanOut(records []models.Channel) ([]Partition, map[Partition][]models.Channel) {
	groups := make(map[Partition][]models.Channel)
	for _, ch := range records {
		for _, p := range PartitionsFor(ch) {
			groups[p] = append(groups[p], ch)
		}
	}
	parts := make([]Partition, 0, len(groups))
	for p := range groups {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool {
		if parts[i].Kind != parts[j].Kind {
			return parts[i].Kind == KindCountry
		}
		return parts[i].Key < parts[j].Key
	})
	return parts, groups
}
