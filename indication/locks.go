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

package indication

import (
	"context"
	"sync"

	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/subscription"
	"golang.org/x/sync/semaphore"
)

// identityLock one holder at a time per subscription identity
type identityLock struct {
	sem  *semaphore.Weighted
	refs int
}

// identityLocks serializes the create, modify, and delete protocols of each
// subscription identity. A holder keeps the lock across an async provider fan-out
// until its completion callback finishes.
type identityLocks struct {
	lock  sync.Mutex
	locks map[subscription.SubscriptionKey]*identityLock
}

func newIdentityLocks() *identityLocks {
	return &identityLocks{locks: make(map[subscription.SubscriptionKey]*identityLock)}
}

// acquire wait for exclusive use of the identity. The returned release function may be
// called any number of times.
func (l *identityLocks) acquire(
	ctx context.Context, key subscription.SubscriptionKey,
) (func(), error) {
	l.lock.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &identityLock{sem: semaphore.NewWeighted(1)}
		l.locks[key] = entry
	}
	entry.refs++
	l.lock.Unlock()

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		l.unref(key, entry)
		return nil, common.WrapCIMError(
			common.StatusFailed, common.ErrTimeout,
			"waiting for other operations on subscription %s", key,
		)
	}

	once := sync.Once{}
	return func() {
		once.Do(func() {
			entry.sem.Release(1)
			l.unref(key, entry)
		})
	}, nil
}

func (l *identityLocks) unref(key subscription.SubscriptionKey, entry *identityLock) {
	l.lock.Lock()
	defer l.lock.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
}

// size number of identities currently locked or waited on
func (l *identityLocks) size() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.locks)
}
