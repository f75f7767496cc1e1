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
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type testRecord struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Scan implements the sql.Scanner interface
func (r *testRecord) Scan(src interface{}) error {
	bytes, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("src is not []byte")
	}
	return json.Unmarshal(bytes, r)
}

// Value implements the sql/driver.Valuer interface
func (r testRecord) Value() (driver.Value, error) {
	return json.Marshal(&r)
}

func TestBadgerKeyValueStore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := CreateBadgerBackedStorage("", true)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()
	ctxt := context.Background()

	// Case 0: fetch unknown key
	{
		var record testRecord
		assert.ErrorIs(uut.Get(uuid.New().String(), &record, ctxt), ErrKeyNotFound)
		assert.ErrorIs(uut.Delete(uuid.New().String(), ctxt), ErrKeyNotFound)
	}

	// Case 1: set and get
	key1 := fmt.Sprintf("records/%s", uuid.New().String())
	{
		assert.Nil(uut.Set(key1, testRecord{Name: "one", Count: 1}, ctxt))
		var record testRecord
		assert.Nil(uut.Get(key1, &record, ctxt))
		assert.Equal("one", record.Name)
		assert.Equal(1, record.Count)
	}

	// Case 2: create conflicts with existing key
	{
		assert.ErrorIs(uut.Create(key1, testRecord{Name: "dup"}, ctxt), ErrKeyExists)
		var record testRecord
		assert.Nil(uut.Get(key1, &record, ctxt))
		assert.Equal("one", record.Name)
	}

	// Case 3: overwrite
	{
		assert.Nil(uut.Set(key1, testRecord{Name: "one", Count: 2}, ctxt))
		var record testRecord
		assert.Nil(uut.Get(key1, &record, ctxt))
		assert.Equal(2, record.Count)
	}

	// Case 4: scan by prefix
	{
		key2 := fmt.Sprintf("records/%s", uuid.New().String())
		assert.Nil(uut.Create(key2, testRecord{Name: "two"}, ctxt))
		assert.Nil(uut.Set("other/0", testRecord{Name: "other"}, ctxt))
		seen := map[string]string{}
		assert.Nil(uut.Scan("records/", func(key string, value []byte) error {
			var record testRecord
			if err := record.Scan(value); err != nil {
				return err
			}
			seen[key] = record.Name
			return nil
		}, ctxt))
		assert.Len(seen, 2)
		assert.Equal("one", seen[key1])
		assert.Equal("two", seen[key2])
	}

	// Case 5: scan stops on handler error
	{
		count := 0
		err := uut.Scan("records/", func(key string, value []byte) error {
			count++
			return fmt.Errorf("stop")
		}, ctxt)
		assert.NotNil(err)
		assert.Equal(1, count)
	}

	// Case 6: delete
	{
		assert.Nil(uut.Delete(key1, ctxt))
		var record testRecord
		assert.ErrorIs(uut.Get(key1, &record, ctxt), ErrKeyNotFound)
	}

	// Case 7: cancelled context
	{
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()
		assert.NotNil(uut.Set("records/x", testRecord{}, cancelled))
		var record testRecord
		assert.ErrorIs(uut.Get("records/x", &record, ctxt), ErrKeyNotFound)
	}
}
