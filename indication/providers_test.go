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
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestProviderRegistrationChanges(t *testing.T) {
	assert := assert.New(t)
	h := defineTestHarness(t, testConfig())
	defer h.close(t)
	assert.Equal(ReturnCompletedNoError, h.uut.Enable(h.ctxt, 0))

	first := h.registerProvider(t, "first", "CIM_AlertIndication")
	sub := h.createSubscription(t, "SELECT * FROM CIM_AlertIndication", nil)

	providersOf := func() []common.ProviderClassList {
		entry, ok := h.indexed(sub)
		assert.True(ok)
		return entry.Providers
	}
	register := func(provider common.ProviderID, classes ...string) Response {
		return h.call(NotifyProviderRegistrationRequest{
			Registration: common.ProviderRegistration{
				Provider: provider, Namespaces: []string{testNamespace}, ClassNames: classes,
			},
		})
	}

	// Case 0: initial service
	{
		providers := providersOf()
		if assert.Len(providers, 1) {
			assert.Equal(1, providers[0].ClassCount())
		}
	}

	// Case 1: a provider widens its classes
	{
		resp := register(first.id, "CIM_AlertIndication", "CIM_ThresholdIndication")
		assert.Nil(resp.Err())
		assert.Equal(1, resp.AffectedSubscriptions)
		assert.Equal(1, first.count(common.OperationModify))
		providers := providersOf()
		if assert.Len(providers, 1) {
			assert.Equal(2, providers[0].ClassCount())
		}
	}

	// Case 2: an unrelated registration changes nothing
	{
		h.registerProvider(t, "traps", "CIM_SNMPTrapIndication")
		assert.Len(providersOf(), 1)
	}

	// Case 3: a second provider starts serving a subclass
	second := h.registerProvider(t, "second", "CIM_ThresholdIndication")
	{
		assert.Equal(1, second.count(common.OperationCreate))
		assert.Len(providersOf(), 2)
	}

	// Case 4: a provider stops serving the subscription's classes
	{
		resp := register(first.id, "CIM_SNMPTrapIndication")
		assert.Nil(resp.Err())
		assert.Equal(1, resp.AffectedSubscriptions)
		assert.Equal(1, first.count(common.OperationDelete))
		providers := providersOf()
		if assert.Len(providers, 1) {
			assert.Equal(second.id, providers[0].Provider)
		}
	}

	// Case 5: the remaining provider terminates, the default policy keeps the subscription
	{
		resp := h.call(NotifyProviderTerminationRequest{Providers: []common.ProviderID{second.id}})
		assert.Nil(resp.Err())
		assert.Equal(1, resp.AffectedSubscriptions)
		assert.Len(providersOf(), 0)
		stored, err := h.repo.GetSubscription(h.ctxt, sub.Path())
		assert.Nil(err)
		assert.Equal(common.StateEnabled, stored.State)
	}

	// Case 6: the provider comes back
	{
		resp := h.call(NotifyProviderEnableRequest{Provider: second.id})
		assert.Nil(resp.Err())
		assert.Equal(1, resp.AffectedSubscriptions)
		assert.Equal(2, second.count(common.OperationCreate))
		assert.Len(providersOf(), 1)
	}

	// Case 7: its module fails
	{
		resp := h.call(NotifyProviderFailRequest{Module: second.id.Module})
		assert.Nil(resp.Err())
		assert.Equal(1, resp.AffectedSubscriptions)
		assert.Len(providersOf(), 0)
	}
}

func TestProviderClassChangeKeepsService(t *testing.T) {
	assert := assert.New(t)
	h := defineTestHarness(t, testConfig())
	defer h.close(t)
	log.SetLevel(log.InfoLevel)
	defer log.SetLevel(log.DebugLevel)
	assert.Equal(ReturnCompletedNoError, h.uut.Enable(h.ctxt, 0))

	first := h.registerProvider(t, "first", "CIM_AlertIndication")
	sub := h.createSubscription(t, alertQuery, nil)

	// Poll the class shared by both registrations while they alternate
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	reads := 0
	missing := 0
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			subs, _ := h.uut.index.GetMatchingClassNamespaceSubscriptions(
				"CIM_AlertIndication", testNamespace, first.id,
			)
			reads++
			if len(subs) != 1 {
				missing++
			}
		}
	}()

	for itr := 0; itr < 200; itr++ {
		classes := []string{"CIM_AlertIndication"}
		if itr%2 == 0 {
			classes = append(classes, "CIM_ThresholdIndication")
		}
		resp := h.call(NotifyProviderRegistrationRequest{
			Registration: common.ProviderRegistration{
				Provider: first.id, Namespaces: []string{testNamespace}, ClassNames: classes,
			},
		})
		assert.Nil(resp.Err())
		assert.Equal(1, resp.AffectedSubscriptions)
	}
	close(stop)
	<-readerDone

	// Case 0: the shared class was never missing
	{
		assert.Greater(reads, 0)
		assert.Equal(0, missing)
		assert.Equal(200, first.count(common.OperationModify))
	}

	// Case 1: the index reflects the last registration
	{
		entry, ok := h.indexed(sub)
		assert.True(ok)
		if assert.Len(entry.Providers, 1) {
			assert.Equal(1, entry.Providers[0].ClassCount())
			assert.True(entry.Providers[0].Serves(testNamespace, "CIM_AlertIndication"))
			assert.False(entry.Providers[0].Serves(testNamespace, "CIM_ThresholdIndication"))
		}
	}
}

func TestProviderLossFatalErrorPolicy(t *testing.T) {
	assert := assert.New(t)
	h := defineTestHarness(t, testConfig())
	defer h.close(t)
	assert.Equal(ReturnCompletedNoError, h.uut.Enable(h.ctxt, 0))
	provider := h.registerProvider(t, "alerts", "CIM_AlertIndication")

	removed := h.createSubscription(t, alertQuery, func(s *common.Subscription) {
		s.OnFatalErrorPolicy = common.FatalErrorRemove
	})
	disabled := h.createSubscription(t, alertQuery, func(s *common.Subscription) {
		s.OnFatalErrorPolicy = common.FatalErrorDisable
	})
	kept := h.createSubscription(t, alertQuery, nil)

	resp := h.call(NotifyProviderTerminationRequest{Providers: []common.ProviderID{provider.id}})
	assert.Nil(resp.Err())
	assert.Equal(3, resp.AffectedSubscriptions)

	// Case 0: remove policy deletes the subscription
	{
		_, err := h.repo.GetSubscription(h.ctxt, removed.Path())
		assert.Equal(common.StatusNotFound, common.ErrorCode(err))
		_, ok := h.indexed(removed)
		assert.False(ok)
	}

	// Case 1: disable policy disables the subscription
	{
		stored, err := h.repo.GetSubscription(h.ctxt, disabled.Path())
		assert.Nil(err)
		assert.Equal(common.StateDisabled, stored.State)
		_, ok := h.indexed(disabled)
		assert.False(ok)
	}

	// Case 2: ignore policy retains the subscription without providers
	{
		entry, ok := h.indexed(kept)
		assert.True(ok)
		assert.Len(entry.Providers, 0)
	}
}

func TestProviderRejectsCreate(t *testing.T) {
	assert := assert.New(t)
	h := defineTestHarness(t, testConfig())
	defer h.close(t)
	assert.Equal(ReturnCompletedNoError, h.uut.Enable(h.ctxt, 0))
	accepting := h.registerProvider(t, "accepting", "CIM_AlertIndication")
	rejecting := h.registerProvider(t, "rejecting", "CIM_ThresholdIndication")
	rejecting.lock.Lock()
	rejecting.reject = true
	rejecting.lock.Unlock()

	// Case 0: served by the providers which accepted
	sub := h.createSubscription(t, alertQuery, nil)
	{
		entry, ok := h.indexed(sub)
		assert.True(ok)
		if assert.Len(entry.Providers, 1) {
			assert.Equal(accepting.id, entry.Providers[0].Provider)
		}
	}

	// Case 1: no provider accepts
	{
		accepting.lock.Lock()
		accepting.reject = true
		accepting.lock.Unlock()
		other := newSubscription(h.createFilter(t, alertQuery), h.createHandler(t, 0))
		resp := h.call(CreateInstanceRequest{Subscription: &other})
		assert.Equal(common.StatusNotSupported, common.ErrorCode(resp.Err()))
		_, err := h.repo.GetSubscription(h.ctxt, other.Path())
		assert.Equal(common.StatusNotFound, common.ErrorCode(err))
		_, ok := h.indexed(other)
		assert.False(ok)
	}

	// Case 2: an unreachable provider counts as a rejection
	{
		h.transport.UnregisterProvider(accepting.id)
		modified := sub
		modified.State = common.StateDisabled
		resp := h.call(ModifyInstanceRequest{Subscription: &modified})
		assert.Nil(resp.Err())
		assert.Eventually(func() bool {
			return h.uut.GetServiceInstance().PendingProviderOperations == 0
		}, time.Second*3, time.Millisecond*10)
	}
}
