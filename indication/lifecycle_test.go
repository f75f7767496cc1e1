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
	"testing"
	"time"

	"github.com/alwitt/indisvc/common"
	"github.com/stretchr/testify/assert"
)

func TestDisableDrainsSubscriptions(t *testing.T) {
	assert := assert.New(t)
	h := defineTestHarness(t, testConfig())
	defer h.close(t)
	assert.Equal(ReturnCompletedNoError, h.uut.Enable(h.ctxt, 0))
	provider := h.registerProvider(t, "alerts", "CIM_AlertIndication")

	const subCount = 5
	for itr := 0; itr < subCount; itr++ {
		h.createSubscription(t, alertQuery, nil)
	}
	assert.Equal(subCount, h.uut.index.Len())
	assert.Equal(subCount, provider.count(common.OperationCreate))

	// Case 0: disable removes every subscription from the providers
	{
		assert.Equal(ReturnCompletedNoError, h.uut.Disable(h.ctxt, 5))
		assert.Equal(subCount, provider.count(common.OperationDelete))
		assert.Equal(0, h.uut.index.Len())
		instance := h.uut.GetServiceInstance()
		assert.Equal(EnabledStateDisabled, instance.EnabledState)
		assert.Equal(HealthOK, instance.HealthState)
		assert.Equal(int64(0), instance.PendingProviderOperations)

		filter := common.Filter{Namespace: testNamespace, Name: "late", Query: alertQuery}
		resp := h.call(CreateInstanceRequest{Filter: &filter})
		assert.Equal(common.StatusServerShutdown, common.ErrorCode(resp.Err()))

		// The subscriptions stay persisted
		subs, err := h.repo.EnumerateSubscriptions(h.ctxt, testNamespace)
		assert.Nil(err)
		assert.Len(subs, subCount)
	}

	// Case 1: disabling again is a no-op
	{
		assert.Equal(ReturnCompletedNoError, h.uut.Disable(h.ctxt, 5))
		assert.Equal(subCount, provider.count(common.OperationDelete))
	}

	// Case 2: enable re-activates the persisted subscriptions
	{
		assert.Equal(ReturnCompletedNoError, h.uut.Enable(h.ctxt, 5))
		assert.Equal(subCount, h.uut.index.Len())
		assert.Equal(subCount*2, provider.count(common.OperationCreate))
		assert.Len(h.uut.GetActiveSubscriptionEntries(), subCount)
	}
}

func TestDisableDuringPendingCreate(t *testing.T) {
	assert := assert.New(t)
	h := defineTestHarness(t, testConfig())
	defer h.close(t)
	assert.Equal(ReturnCompletedNoError, h.uut.Enable(h.ctxt, 0))
	provider := h.registerProvider(t, "alerts", "CIM_AlertIndication")
	sub := newSubscription(h.createFilter(t, alertQuery), h.createHandler(t, 0))

	// The provider sits on the create while the service is disabled
	resume := provider.hold()
	createDone := h.uut.Dispatch(h.ctxt, CreateInstanceRequest{Subscription: &sub})
	assert.Eventually(func() bool {
		return h.uut.GetServiceInstance().PendingProviderOperations == 1
	}, time.Second*2, time.Millisecond*10)
	disableDone := make(chan ReturnCode, 1)
	go func() {
		disableDone <- h.uut.Disable(h.ctxt, 0)
	}()
	assert.Eventually(func() bool {
		return h.uut.GetServiceInstance().EnabledState == EnabledStateShuttingDown
	}, time.Second*2, time.Millisecond*10)
	resume()

	var code ReturnCode
	select {
	case code = <-disableDone:
	case <-time.After(time.Second * 5):
		assert.FailNow("disable did not finish")
	}
	resp := <-createDone

	// Case 0: the provider was told to drop what it accepted
	{
		assert.Equal(ReturnCompletedNoError, code)
		assert.Equal(EnabledStateDisabled, h.uut.GetServiceInstance().EnabledState)
		assert.Equal(0, h.uut.index.Len())
		assert.Equal(1, provider.count(common.OperationCreate))
		assert.Equal(1, provider.count(common.OperationDelete))
	}

	// Case 1: the create failed without persisting the subscription
	{
		assert.Equal(common.StatusServerShutdown, common.ErrorCode(resp.Err()))
		_, err := h.repo.GetSubscription(h.ctxt, sub.Path())
		assert.Equal(common.StatusNotFound, common.ErrorCode(err))
	}
}

func TestEnableTimeout(t *testing.T) {
	assert := assert.New(t)
	h := defineTestHarness(t, testConfig())
	defer h.close(t)
	assert.Equal(ReturnCompletedNoError, h.uut.Enable(h.ctxt, 0))
	provider := h.registerProvider(t, "alerts", "CIM_AlertIndication")
	sub := h.createSubscription(t, alertQuery, nil)
	assert.Equal(ReturnCompletedNoError, h.uut.Disable(h.ctxt, 5))

	// Case 0: the provider does not answer in time
	resume := provider.hold()
	assert.Equal(ReturnTimeout, h.uut.Enable(h.ctxt, 1))
	instance := h.uut.GetServiceInstance()
	assert.Equal(EnabledStateEnabled, instance.EnabledState)
	assert.Equal(HealthDegraded, instance.HealthState)

	// Case 1: the late reply still activates the subscription
	resume()
	assert.Eventually(func() bool {
		_, ok := h.indexed(sub)
		return ok
	}, time.Second*2, time.Millisecond*10)
	assert.Eventually(func() bool {
		return h.uut.GetServiceInstance().PendingProviderOperations == 0
	}, time.Second*2, time.Millisecond*10)

	// Case 2: enabling again clears the degraded health without re-creating
	{
		assert.Equal(ReturnCompletedNoError, h.uut.Enable(h.ctxt, 5))
		instance := h.uut.GetServiceInstance()
		assert.Equal(EnabledStateEnabled, instance.EnabledState)
		assert.Equal(HealthOK, instance.HealthState)
		assert.Equal(2, provider.count(common.OperationCreate))
	}
}

func TestDisableTimeout(t *testing.T) {
	assert := assert.New(t)
	h := defineTestHarness(t, testConfig())
	defer h.close(t)
	assert.Equal(ReturnCompletedNoError, h.uut.Enable(h.ctxt, 0))
	provider := h.registerProvider(t, "alerts", "CIM_AlertIndication")
	h.createSubscription(t, alertQuery, nil)

	// Case 0: the provider does not answer the delete in time
	resume := provider.hold()
	assert.Equal(ReturnTimeout, h.uut.Disable(h.ctxt, 1))
	instance := h.uut.GetServiceInstance()
	assert.Equal(EnabledStateEnabled, instance.EnabledState)
	assert.Equal(HealthDegraded, instance.HealthState)

	// Case 1: retry once the provider recovers
	resume()
	assert.Eventually(func() bool {
		return h.uut.GetServiceInstance().PendingProviderOperations == 0
	}, time.Second*2, time.Millisecond*10)
	assert.Equal(ReturnCompletedNoError, h.uut.Disable(h.ctxt, 5))
	assert.Equal(EnabledStateDisabled, h.uut.GetServiceInstance().EnabledState)
	assert.Equal(1, provider.count(common.OperationDelete))
}

func TestExpirySweep(t *testing.T) {
	assert := assert.New(t)
	config := testConfig()
	config.ExpirySweepInterval = 1
	h := defineTestHarness(t, config)
	defer h.close(t)
	assert.Equal(ReturnCompletedNoError, h.uut.Enable(h.ctxt, 0))
	provider := h.registerProvider(t, "alerts", "CIM_AlertIndication")

	shortLived := h.createSubscription(t, alertQuery, func(s *common.Subscription) {
		duration := uint64(1)
		s.Duration = &duration
	})
	longLived := h.createSubscription(t, alertQuery, nil)
	assert.Equal(2, h.uut.index.Len())

	assert.Eventually(func() bool {
		_, err := h.repo.GetSubscription(h.ctxt, shortLived.Path())
		return common.ErrorCode(err) == common.StatusNotFound
	}, time.Second*4, time.Millisecond*50)
	assert.Eventually(func() bool {
		return provider.count(common.OperationDelete) == 1
	}, time.Second, time.Millisecond*10)
	_, ok := h.indexed(shortLived)
	assert.False(ok)
	_, ok = h.indexed(longLived)
	assert.True(ok)
}
