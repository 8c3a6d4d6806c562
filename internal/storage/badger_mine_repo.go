package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v3"
)

const minePrefix = "mine:"

// BadgerMineRepo хранит метаданные шахт во встроенной BadgerDB.
// Записи сериализуются в JSON под ключом "mine:<ownerID>".
type BadgerMineRepo struct {
	db      *badger.DB
	dbPath  string
	mutex   sync.RWMutex
	isReady bool
}

// NewBadgerMineRepo открывает (или создаёт) базу в <dataPath>/mines
func NewBadgerMineRepo(dataPath string) (*BadgerMineRepo, error) {
	dbPath := filepath.Join(dataPath, "mines")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	return &BadgerMineRepo{
		db:      db,
		dbPath:  dbPath,
		isReady: true,
	}, nil
}

func (r *BadgerMineRepo) Save(ctx context.Context, rec MineRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if !r.isReady {
		return ErrClosed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ошибка сериализации шахты %s: %w", rec.OwnerID, err)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(minePrefix+rec.OwnerID), data)
	})
	if err != nil {
		return fmt.Errorf("ошибка сохранения шахты %s: %w", rec.OwnerID, err)
	}
	return nil
}

func (r *BadgerMineRepo) Load(ctx context.Context, ownerID string) (MineRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return MineRecord{}, false, err
	}
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if !r.isReady {
		return MineRecord{}, false, ErrClosed
	}

	var data []byte
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(minePrefix + ownerID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return MineRecord{}, false, nil
	}
	if err != nil {
		return MineRecord{}, false, fmt.Errorf("ошибка загрузки шахты %s: %w", ownerID, err)
	}

	var rec MineRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return MineRecord{}, false, fmt.Errorf("ошибка десериализации шахты %s: %w", ownerID, err)
	}
	return rec, true, nil
}

func (r *BadgerMineRepo) Delete(ctx context.Context, ownerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if !r.isReady {
		return ErrClosed
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(minePrefix + ownerID))
	})
}

func (r *BadgerMineRepo) List(ctx context.Context) ([]MineRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if !r.isReady {
		return nil, ErrClosed
	}

	var out []MineRecord
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(minePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec MineRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения списка шахт: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out, nil
}

// Close закрывает хранилище
func (r *BadgerMineRepo) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if !r.isReady {
		return nil
	}

	r.isReady = false
	return r.db.Close()
}
