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
)

// ErrKeyNotFound the key is not present in the store
var ErrKeyNotFound = errors.New("key not found")

// ErrKeyExists the key is already present in the store
var ErrKeyExists = errors.New("key already exists")

// EntryHandler called once per entry during a prefix scan. Returning an error stops
// the scan. value is only valid for the duration of the call.
type EntryHandler func(key string, value []byte) error

// KeyValueStore a key-value store
type KeyValueStore interface {
	// Set record a K/V pair, replacing any existing value
	Set(key string, value driver.Valuer, ctxt context.Context) error
	// Create record a K/V pair. Fails with ErrKeyExists if the key is present.
	Create(key string, value driver.Valuer, ctxt context.Context) error
	// Get read a K/V pair. Fails with ErrKeyNotFound if the key is absent.
	Get(key string, result sql.Scanner, ctxt context.Context) error
	// Delete remove a key. Fails with ErrKeyNotFound if the key is absent.
	Delete(key string, ctxt context.Context) error
	// Scan iterate over all entries whose key starts with prefix, in key order
	Scan(prefix string, handler EntryHandler, ctxt context.Context) error
	// Close the store
	Close() error
}
