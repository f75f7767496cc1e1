// Copyright 2022 The indisvc Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/alwitt/indisvc/common"
	"github.com/apex/log"
	"github.com/dgraph-io/badger/v4"
)

// badgerBackedStorage key-value store on badger
type badgerBackedStorage struct {
	common.Component
	db *badger.DB
}

// CreateBadgerBackedStorage define a badger backed key-value store. An in-memory store
// is used when inMemory is set, and dataDir is ignored.
func CreateBadgerBackedStorage(dataDir string, inMemory bool) (KeyValueStore, error) {
	opts := badger.DefaultOptions(dataDir).WithLoggingLevel(badger.WARNING)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.WARNING)
	}
	db, err := badger.Open(opts)
	if err != nil {
		log.WithError(err).Errorf("Unable to open badger database at '%s'", dataDir)
		return nil, err
	}
	logTags := log.Fields{"module": "storage", "component": "badger-backed"}
	if inMemory {
		log.WithFields(logTags).Info("Opened in-memory badger database")
	} else {
		log.WithFields(logTags).Infof("Opened badger database at %s", dataDir)
	}
	return &badgerBackedStorage{
		Component: common.Component{LogTags: logTags},
		db:        db,
	}, nil
}

// serialize convert a value to bytes for storage
func serialize(value driver.Valuer) ([]byte, error) {
	serialized, err := value.Value()
	if err != nil {
		return nil, err
	}
	asBytes, ok := serialized.([]byte)
	if !ok {
		return nil, fmt.Errorf("unable to convert value output to []byte for storage")
	}
	return asBytes, nil
}

// update run a read-write transaction, honoring context cancellation before commit
func (d *badgerBackedStorage) update(ctxt context.Context, fn func(txn *badger.Txn) error) error {
	txn := d.db.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	if err := ctxt.Err(); err != nil {
		return err
	}
	return txn.Commit()
}

// Set record a K/V pair
func (d *badgerBackedStorage) Set(key string, value driver.Valuer, ctxt context.Context) error {
	asBytes, err := serialize(value)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to SET %s", key)
		return err
	}
	if err := d.update(ctxt, func(txn *badger.Txn) error {
		return txn.Set([]byte(key), asBytes)
	}); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to SET %s <== %s", key, asBytes)
		return err
	}
	log.WithFields(d.LogTags).Debugf("SET %s <== %s", key, asBytes)
	return nil
}

// Create record a K/V pair if absent
func (d *badgerBackedStorage) Create(key string, value driver.Valuer, ctxt context.Context) error {
	asBytes, err := serialize(value)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to CREATE %s", key)
		return err
	}
	if err := d.update(ctxt, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return ErrKeyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set([]byte(key), asBytes)
	}); err != nil {
		if !errors.Is(err, ErrKeyExists) {
			log.WithError(err).WithFields(d.LogTags).Errorf("Failed to CREATE %s", key)
		}
		return err
	}
	log.WithFields(d.LogTags).Debugf("CREATE %s <== %s", key, asBytes)
	return nil
}

// Get read a K/V pair
func (d *badgerBackedStorage) Get(key string, result sql.Scanner, ctxt context.Context) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	var raw []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrKeyNotFound
	} else if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to GET %s", key)
		return err
	}
	if err := result.Scan(raw); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to parse GET %s", key)
		return err
	}
	return nil
}

// Delete remove a key
func (d *badgerBackedStorage) Delete(key string, ctxt context.Context) error {
	err := d.update(ctxt, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			return err
		}
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrKeyNotFound
	} else if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to DELETE %s", key)
		return err
	}
	log.WithFields(d.LogTags).Debugf("Deleted %s", key)
	return nil
}

// Scan iterate over all entries with the prefix
func (d *badgerBackedStorage) Scan(prefix string, handler EntryHandler, ctxt context.Context) error {
	return d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		itr := txn.NewIterator(opts)
		defer itr.Close()
		for itr.Seek(opts.Prefix); itr.ValidForPrefix(opts.Prefix); itr.Next() {
			if err := ctxt.Err(); err != nil {
				return err
			}
			item := itr.Item()
			key := string(item.KeyCopy(nil))
			if err := item.Value(func(val []byte) error {
				return handler(key, val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close the store
func (d *badgerBackedStorage) Close() error {
	log.WithFields(d.LogTags).Info("Closing badger database")
	return d.db.Close()
}
