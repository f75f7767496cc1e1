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

package repository

import (
	"context"
	"sync"

	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/subscription"
	"github.com/apex/log"
)

// CreateGuard tracks one pending subscription create. Exactly one of Commit or Release
// takes effect; Release after Commit does nothing.
type CreateGuard struct {
	repo *repositoryImpl
	key  subscription.SubscriptionKey
	once sync.Once
}

// Key the subscription identity being created
func (g *CreateGuard) Key() subscription.SubscriptionKey {
	return g.key
}

// Commit mark the create as finished. The subscription instance must already be
// persisted.
func (g *CreateGuard) Commit() {
	g.once.Do(func() {
		g.repo.clearPending(g.key)
		log.WithFields(g.repo.LogTags).Debugf("Committed create of %s", g.key)
	})
}

// Release cancel the create unless it was committed
func (g *CreateGuard) Release() {
	g.once.Do(func() {
		g.repo.clearPending(g.key)
		log.WithFields(g.repo.LogTags).Debugf("Cancelled create of %s", g.key)
	})
}

func (r *repositoryImpl) BeginCreateSubscription(path common.ObjectPath) (*CreateGuard, error) {
	key := subscription.NewSubscriptionKey(path)
	r.pendingLock.Lock()
	defer r.pendingLock.Unlock()
	if r.pendingCreates[key] {
		return nil, common.NewCIMError(
			common.StatusFailed, "similar create subscription request is being processed",
		)
	}
	ctx, cancel := r.callContext(context.Background())
	defer cancel()
	if _, err := r.GetSubscription(ctx, path); err == nil {
		return nil, common.NewCIMError(
			common.StatusAlreadyExists, "subscription %s already exists", path,
		)
	} else if common.ErrorCode(err) != common.StatusNotFound {
		return nil, err
	}
	r.pendingCreates[key] = true
	return &CreateGuard{repo: r, key: key}, nil
}

func (r *repositoryImpl) clearPending(key subscription.SubscriptionKey) {
	r.pendingLock.Lock()
	defer r.pendingLock.Unlock()
	delete(r.pendingCreates, key)
}

func (r *repositoryImpl) GetUncommittedCreateSubscriptionRequests() bool {
	r.pendingLock.Lock()
	defer r.pendingLock.Unlock()
	return len(r.pendingCreates) > 0
}
