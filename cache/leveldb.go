package cache

import (
	"context"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const partitionSeparator = "\x00"

// LevelDBCache stores values in a LevelDB database.
// Keys are stored as partition + "\x00" + key.
type LevelDBCache struct {
	db *leveldb.DB
}

// NewLevelDBCache opens (or creates) the database in the given directory.
// An empty directory opens a memory-backed database.
func NewLevelDBCache(dir string) (*LevelDBCache, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if dir == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(dir, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", dir, err)
	}
	return &LevelDBCache{db: db}, nil
}

func levelKey(partition, key string) []byte {
	return []byte(partition + partitionSeparator + key)
}

func (l *LevelDBCache) Get(_ context.Context, partition, key string) ([]byte, bool, error) {
	value, err := l.db.Get(levelKey(partition, key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (l *LevelDBCache) Put(_ context.Context, partition, key string, value []byte) error {
	return l.db.Put(levelKey(partition, key), value, nil)
}

func (l *LevelDBCache) Delete(_ context.Context, partition, key string) error {
	return l.db.Delete(levelKey(partition, key), nil)
}

func (l *LevelDBCache) Keys(ctx context.Context, partition string, cb func(string)) error {
	prefix := []byte(partition + partitionSeparator)
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	keys := make([]string, 0)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			iter.Release()
			return err
		}
		keys = append(keys, string(iter.Key()[len(prefix):]))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (l *LevelDBCache) Close() error {
	return l.db.Close()
}
