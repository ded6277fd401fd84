package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/devghori1264/instantcloud/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
)

// Store interface (kept minimal, allows swapping implementations).
type Store interface {
	SaveMachine(ctx context.Context, m *models.Machine) error
	GetMachine(ctx context.Context, account, id string) (*models.Machine, error)
	ListMachines(ctx context.Context, account string) ([]*models.Machine, error)
	SaveLicense(ctx context.Context, account string, l *models.License) error
	ListLicenses(ctx context.Context, account string) ([]*models.License, error)
	Close() error
}

// BadgerStore implements Store with Badger DB. Records are JSON values
// keyed by kind, account and id.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens the database at path. An empty path keeps all data
// in memory.
func NewBadgerStore(path string) (Store, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
		opts = opts.WithValueLogFileSize(1 << 20) // smaller value log for local dev
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func machinePrefix(account string) []byte {
	return []byte("machine:" + account + ":")
}

func machineKey(account, id string) []byte {
	return append(machinePrefix(account), id...)
}

func licensePrefix(account string) []byte {
	return []byte("license:" + account + ":")
}

func (s *BadgerStore) SaveMachine(ctx context.Context, m *models.Machine) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(machineKey(m.Account, m.ID), data)
	})
}

func (s *BadgerStore) GetMachine(ctx context.Context, account, id string) (*models.Machine, error) {
	var out models.Machine
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(machineKey(account, id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	out.Account = account
	return &out, nil
}

func (s *BadgerStore) ListMachines(ctx context.Context, account string) ([]*models.Machine, error) {
	var out []*models.Machine
	err := s.scan(machinePrefix(account), func(v []byte) error {
		m := &models.Machine{}
		if err := json.Unmarshal(v, m); err != nil {
			return err
		}
		m.Account = account
		out = append(out, m)
		return nil
	})
	return out, err
}

func (s *BadgerStore) SaveLicense(ctx context.Context, account string, l *models.License) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(append(licensePrefix(account), string(l.LicenseID)...), data)
	})
}

func (s *BadgerStore) ListLicenses(ctx context.Context, account string) ([]*models.License, error) {
	var out []*models.License
	err := s.scan(licensePrefix(account), func(v []byte) error {
		l := &models.License{}
		if err := json.Unmarshal(v, l); err != nil {
			return err
		}
		out = append(out, l)
		return nil
	})
	return out, err
}

// scan calls fn with the value of every key under prefix, in key order.
func (s *BadgerStore) scan(prefix []byte, fn func(v []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}
