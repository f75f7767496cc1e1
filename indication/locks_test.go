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
	"sync/atomic"
	"testing"
	"time"

	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/subscription"
	"github.com/stretchr/testify/assert"
)

func TestIdentityLocks(t *testing.T) {
	assert := assert.New(t)

	uut := newIdentityLocks()
	keyA := subscription.NewSubscriptionKey(common.ObjectPath{
		Namespace: testNamespace, ClassName: common.ClassIndicationSubscription,
		KeyBindings: []common.KeyBinding{{Name: "Filter", Value: "a"}},
	})
	keyB := subscription.NewSubscriptionKey(common.ObjectPath{
		Namespace: testNamespace, ClassName: common.ClassIndicationSubscription,
		KeyBindings: []common.KeyBinding{{Name: "Filter", Value: "b"}},
	})

	// Case 0: independent identities do not block each other
	releaseA, err := uut.acquire(context.Background(), keyA)
	assert.Nil(err)
	releaseB, err := uut.acquire(context.Background(), keyB)
	assert.Nil(err)
	assert.Equal(2, uut.size())
	releaseB()
	assert.Equal(1, uut.size())

	// Case 1: a second holder of the same identity times out
	{
		useContext, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
		_, err := uut.acquire(useContext, keyA)
		cancel()
		assert.NotNil(err)
		assert.ErrorIs(err, common.ErrTimeout)
		assert.Equal(1, uut.size())
	}

	// Case 2: a waiter proceeds once the holder releases
	{
		var acquired int32
		done := make(chan struct{})
		go func() {
			defer close(done)
			release, err := uut.acquire(context.Background(), keyA)
			if err == nil {
				atomic.StoreInt32(&acquired, 1)
				release()
			}
		}()
		time.Sleep(time.Millisecond * 50)
		assert.Equal(int32(0), atomic.LoadInt32(&acquired))
		releaseA()
		// Repeated release is harmless
		releaseA()
		select {
		case <-done:
		case <-time.After(time.Second):
			assert.Fail("waiter did not acquire")
		}
		assert.Equal(int32(1), atomic.LoadInt32(&acquired))
	}

	assert.Equal(0, uut.size())
}
