package cache

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	serializer "github.com/always-cache/navcache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// Partition is a named, independently pruned region of the store.
type Partition struct {
	Name string `yaml:"name"`
	// Maximum number of entries; zero means unlimited.
	MaxEntries int `yaml:"maxEntries"`
	// Maximum entry age; zero means entries do not expire.
	MaxAge time.Duration `yaml:"maxAge"`
}

// Entry is a stored response.
type Entry struct {
	Key       string
	Payload   []byte
	Header    http.Header
	Status    int
	StoredAt  time.Time
	SizeBytes int
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Provider   Provider
	Partitions []Partition
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Clock, time.Now if nil.
	Now func() time.Time
}

// Store keeps entries in partitions on top of a Provider.
// It keeps an index of store times per partition, so eviction does not need
// to read the stored values.
type Store struct {
	provider   Provider
	partitions map[string]*partition
	names      []string
	now        func() time.Time
	log        zerolog.Logger
}

type partition struct {
	Partition
	mu     sync.Mutex
	loaded bool
	index  map[string]indexEntry
	seq    uint64
}

type indexEntry struct {
	storedAt time.Time
	seq      uint64
	size     int
}

func NewStore(config StoreConfig) (*Store, error) {
	if config.Provider == nil {
		return nil, fmt.Errorf("cache: store needs a provider")
	}
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	s := &Store{
		provider:   config.Provider,
		partitions: make(map[string]*partition),
		now:        config.Now,
		log:        logger.With().Str("component", "store").Logger(),
	}
	if s.now == nil {
		s.now = time.Now
	}
	for _, p := range config.Partitions {
		if p.Name == "" {
			return nil, fmt.Errorf("cache: partition without name")
		}
		if _, ok := s.partitions[p.Name]; ok {
			return nil, fmt.Errorf("cache: duplicate partition %q", p.Name)
		}
		if p.MaxEntries < 0 || p.MaxAge < 0 {
			return nil, fmt.Errorf("cache: partition %q has negative limits", p.Name)
		}
		s.partitions[p.Name] = &partition{Partition: p, index: make(map[string]indexEntry)}
		s.names = append(s.names, p.Name)
	}
	return s, nil
}

// Partitions returns the configured partition names.
func (s *Store) Partitions() []string {
	return append([]string(nil), s.names...)
}

// lock returns the locked partition with its index loaded.
func (s *Store) lock(ctx context.Context, name string) (*partition, error) {
	p, ok := s.partitions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPartition, name)
	}
	p.mu.Lock()
	if !p.loaded {
		if err := s.load(ctx, p); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	return p, nil
}

// load builds the index from whatever the provider already holds.
func (s *Store) load(ctx context.Context, p *partition) error {
	type loadedKey struct {
		key string
		indexEntry
	}
	entries := make([]loadedKey, 0)
	var unreadable []string
	err := s.provider.Keys(ctx, p.Name, func(key string) {
		value, ok, err := s.provider.Get(ctx, p.Name, key)
		if err != nil || !ok {
			return
		}
		storedAt, err := serializer.StoredAt(value)
		if err != nil {
			unreadable = append(unreadable, key)
			return
		}
		entries = append(entries, loadedKey{key, indexEntry{storedAt: storedAt, size: len(value)}})
	})
	if err != nil {
		return fmt.Errorf("load partition %q: %w", p.Name, err)
	}
	for _, key := range unreadable {
		s.log.Warn().Str("partition", p.Name).Str("key", key).Msg("Dropping unreadable entry")
		s.provider.Delete(ctx, p.Name, key)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].storedAt.Equal(entries[j].storedAt) {
			return entries[i].key < entries[j].key
		}
		return entries[i].storedAt.Before(entries[j].storedAt)
	})
	for _, e := range entries {
		p.seq++
		e.seq = p.seq
		p.index[e.key] = e.indexEntry
	}
	p.loaded = true
	s.log.Trace().Str("partition", p.Name).Int("entries", len(entries)).Msg("Loaded partition index")
	return nil
}

// Get returns the entry for key. Entries older than the partition max age
// are deleted and reported as absent.
func (s *Store) Get(ctx context.Context, partitionName, key string) (Entry, bool, error) {
	p, err := s.lock(ctx, partitionName)
	if err != nil {
		return Entry{}, false, err
	}
	defer p.mu.Unlock()

	value, ok, err := s.provider.Get(ctx, p.Name, key)
	if err != nil {
		return Entry{}, false, err
	}
	if !ok {
		delete(p.index, key)
		return Entry{}, false, nil
	}
	sr, err := serializer.FromBytes(value)
	if err != nil {
		s.log.Warn().Err(err).Str("partition", p.Name).Str("key", key).Msg("Dropping unreadable entry")
		return Entry{}, false, s.deleteLocked(ctx, p, key)
	}
	if s.expired(p, sr.StoredAt) {
		s.log.Trace().Str("partition", p.Name).Str("key", key).Msg("Entry expired")
		return Entry{}, false, s.deleteLocked(ctx, p, key)
	}
	return Entry{
		Key:       key,
		Payload:   sr.Body,
		Header:    sr.Header,
		Status:    sr.StatusCode,
		StoredAt:  sr.StoredAt,
		SizeBytes: len(value),
	}, true, nil
}

// Put stores a 200 response payload.
func (s *Store) Put(ctx context.Context, partitionName, key string, payload []byte, header http.Header) error {
	return s.PutEntry(ctx, partitionName, Entry{
		Key:     key,
		Payload: payload,
		Header:  header,
		Status:  http.StatusOK,
	})
}

// PutEntry stores the entry, setting StoredAt to now if it is zero.
// When the partition is full, the oldest entries are evicted before the insert,
// so the entry count never exceeds MaxEntries once PutEntry returns.
func (s *Store) PutEntry(ctx context.Context, partitionName string, e Entry) error {
	p, err := s.lock(ctx, partitionName)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	if e.StoredAt.IsZero() {
		e.StoredAt = s.now()
	}
	value, err := serializer.ToBytes(serializer.StoredResponse{
		StatusCode: e.Status,
		Header:     e.Header,
		Body:       e.Payload,
		StoredAt:   e.StoredAt,
	})
	if err != nil {
		return err
	}
	if _, exists := p.index[e.Key]; !exists && p.MaxEntries > 0 && len(p.index) >= p.MaxEntries {
		if _, err := s.evictLocked(ctx, p, p.MaxEntries-1); err != nil {
			return err
		}
	}
	if err := s.provider.Put(ctx, p.Name, e.Key, value); err != nil {
		return fmt.Errorf("put %s/%s: %w", p.Name, e.Key, err)
	}
	p.seq++
	p.index[e.Key] = indexEntry{storedAt: e.StoredAt, seq: p.seq, size: len(value)}
	s.log.Trace().Str("partition", p.Name).Str("key", e.Key).Int("size", len(value)).Msg("Stored entry")
	return nil
}

func (s *Store) Delete(ctx context.Context, partitionName, key string) error {
	p, err := s.lock(ctx, partitionName)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()
	return s.deleteLocked(ctx, p, key)
}

// Invalidate deletes key from every partition.
// It returns the number of entries removed.
func (s *Store) Invalidate(ctx context.Context, key string) (int, error) {
	removed := 0
	for _, name := range s.names {
		p, err := s.lock(ctx, name)
		if err != nil {
			return removed, err
		}
		if _, ok := p.index[key]; ok {
			if err := s.deleteLocked(ctx, p, key); err != nil {
				p.mu.Unlock()
				return removed, err
			}
			removed++
		}
		p.mu.Unlock()
	}
	return removed, nil
}

// Prune enforces the partition limits: first the oldest entries are evicted
// until the count is within MaxEntries, then all expired entries are removed.
// It returns the number of removed entries.
func (s *Store) Prune(ctx context.Context, partitionName string) (int, error) {
	p, err := s.lock(ctx, partitionName)
	if err != nil {
		return 0, err
	}
	defer p.mu.Unlock()

	removed := 0
	if p.MaxEntries > 0 {
		n, err := s.evictLocked(ctx, p, p.MaxEntries)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	if p.MaxAge > 0 {
		for _, key := range p.oldestFirst() {
			if !s.expired(p, p.index[key].storedAt) {
				continue
			}
			if err := s.deleteLocked(ctx, p, key); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		s.log.Debug().Str("partition", p.Name).Int("removed", removed).Msg("Pruned partition")
	}
	return removed, nil
}

// Purge removes every entry of the partition.
func (s *Store) Purge(ctx context.Context, partitionName string) error {
	p, err := s.lock(ctx, partitionName)
	if err != nil {
		return err
	}
	defer p.mu.Unlock()

	keys := make([]string, 0, len(p.index))
	if err := s.provider.Keys(ctx, p.Name, func(key string) {
		keys = append(keys, key)
	}); err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.deleteLocked(ctx, p, key); err != nil {
			return err
		}
	}
	p.index = make(map[string]indexEntry)
	s.log.Warn().Str("partition", p.Name).Int("removed", len(keys)).Msg("Purged partition")
	return nil
}

// Sweep prunes every partition and returns the total number of removed entries.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	total := 0
	for _, name := range s.names {
		n, err := s.Prune(ctx, name)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Len returns the number of entries in the partition.
func (s *Store) Len(ctx context.Context, partitionName string) (int, error) {
	p, err := s.lock(ctx, partitionName)
	if err != nil {
		return 0, err
	}
	defer p.mu.Unlock()
	return len(p.index), nil
}

// Keys returns the keys of the partition, oldest first.
func (s *Store) Keys(ctx context.Context, partitionName string) ([]string, error) {
	p, err := s.lock(ctx, partitionName)
	if err != nil {
		return nil, err
	}
	defer p.mu.Unlock()
	return p.oldestFirst(), nil
}

// Size returns the number of stored bytes in the partition.
func (s *Store) Size(ctx context.Context, partitionName string) (int, error) {
	p, err := s.lock(ctx, partitionName)
	if err != nil {
		return 0, err
	}
	defer p.mu.Unlock()
	size := 0
	for _, e := range p.index {
		size += e.size
	}
	return size, nil
}

func (s *Store) evictLocked(ctx context.Context, p *partition, limit int) (int, error) {
	if len(p.index) <= limit {
		return 0, nil
	}
	victims := p.oldestFirst()[:len(p.index)-limit]
	for i, key := range victims {
		if err := s.deleteLocked(ctx, p, key); err != nil {
			return i, err
		}
		s.log.Trace().Str("partition", p.Name).Str("key", key).Msg("Evicted entry")
	}
	return len(victims), nil
}

func (s *Store) deleteLocked(ctx context.Context, p *partition, key string) error {
	if err := s.provider.Delete(ctx, p.Name, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", p.Name, key, err)
	}
	delete(p.index, key)
	return nil
}

func (s *Store) expired(p *partition, storedAt time.Time) bool {
	return p.MaxAge > 0 && s.now().Sub(storedAt) > p.MaxAge
}

// oldestFirst orders keys by store time, insertion order breaking ties.
func (p *partition) oldestFirst() []string {
	keys := make([]string, 0, len(p.index))
	for key := range p.index {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := p.index[keys[i]], p.index[keys[j]]
		if a.storedAt.Equal(b.storedAt) {
			return a.seq < b.seq
		}
		return a.storedAt.Before(b.storedAt)
	})
	return keys
}
