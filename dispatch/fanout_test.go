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

package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alwitt/indisvc/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// testSender replies after a delay, rejecting requests to providers in reject
type testSender struct {
	delay  time.Duration
	reject map[string]bool
	calls  int32
	active int32
	peak   int32
	lock   sync.Mutex
}

func (s *testSender) Send(ctx context.Context, req common.ProviderRequest) common.ProviderResponse {
	atomic.AddInt32(&s.calls, 1)
	current := atomic.AddInt32(&s.active, 1)
	s.lock.Lock()
	if current > s.peak {
		s.peak = current
	}
	s.lock.Unlock()
	defer atomic.AddInt32(&s.active, -1)
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return common.NewProviderResponse(req, ctx.Err())
	}
	if s.reject[req.Header().Provider.Provider.Name] {
		return common.NewProviderResponse(
			req, common.NewCIMError(common.StatusNotSupported, "rejected"),
		)
	}
	return common.NewProviderResponse(req, nil)
}

func (s *testSender) peakConcurrency() int32 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.peak
}

func TestSendWaitSequential(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	sender := &testSender{delay: time.Millisecond * 5, reject: map[string]bool{"prov-1": true}}
	uut, err := DefineProviderDispatcher(sender, time.Second, context.Background())
	assert.Nil(err)
	defer uut.Stop()

	reqs := []common.ProviderRequest{testRequest(0), testRequest(1), testRequest(2)}
	responses := uut.SendWait(context.Background(), reqs)
	assert.Len(responses, 3)
	assert.Equal(int32(1), sender.peakConcurrency())
	accepted := AcceptedProviders(reqs, responses)
	assert.Len(accepted, 2)
	assert.Equal("prov-0", accepted[0].Provider.Name)
	assert.Equal("prov-2", accepted[1].Provider.Name)
}

func TestSendAsyncAggregation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	sender := &testSender{delay: time.Millisecond * 20, reject: map[string]bool{"prov-3": true}}
	uut, err := DefineProviderDispatcher(sender, time.Second, context.Background())
	assert.Nil(err)
	defer uut.Stop()

	// Case 0: several providers
	{
		reqs := []common.ProviderRequest{}
		for idx := 0; idx < 10; idx++ {
			reqs = append(reqs, testRequest(idx))
		}
		agg := NewOperationAggregator(testOrigin{}, common.OperationCreate, nil)
		var calls int32
		result := make(chan []common.ProviderClassList, 1)
		uut.SendAsync(agg, reqs, func(agg *OperationAggregator) {
			atomic.AddInt32(&calls, 1)
			result <- agg.AcceptedProviders()
		})
		assert.Equal(int64(1), uut.PendingAsync())
		select {
		case accepted := <-result:
			assert.Len(accepted, 9)
		case <-time.After(time.Second):
			assert.Fail("async fan-out did not complete")
		}
		waitCtxt, cancel := context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.WaitForPendingAsync(waitCtxt, time.Millisecond*5))
		cancel()
		assert.Equal(int32(1), atomic.LoadInt32(&calls))
		assert.Greater(sender.peakConcurrency(), int32(1))
	}

	// Case 1: no requests still completes
	{
		agg := NewOperationAggregator(nil, common.OperationDelete, nil)
		result := make(chan int, 1)
		uut.SendAsync(agg, nil, func(agg *OperationAggregator) {
			result <- agg.GetNumberResponses()
		})
		select {
		case count := <-result:
			assert.Equal(0, count)
		case <-time.After(time.Second):
			assert.Fail("empty fan-out did not complete")
		}
	}

	// Case 2: panic in completion still releases the pending count
	{
		agg := NewOperationAggregator(nil, common.OperationDelete, nil)
		uut.SendAsync(agg, []common.ProviderRequest{testRequest(0)}, func(*OperationAggregator) {
			panic("boom")
		})
		waitCtxt, cancel := context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.WaitForPendingAsync(waitCtxt, time.Millisecond*5))
		cancel()
	}
}

func TestWaitForPendingAsyncTimeout(t *testing.T) {
	assert := assert.New(t)

	sender := &testSender{delay: time.Millisecond * 300}
	uut, err := DefineProviderDispatcher(sender, time.Second, context.Background())
	assert.Nil(err)
	defer uut.Stop()

	agg := NewOperationAggregator(nil, common.OperationCreate, nil)
	uut.SendAsync(agg, []common.ProviderRequest{testRequest(0)}, func(*OperationAggregator) {})

	waitCtxt, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer cancel()
	err = uut.WaitForPendingAsync(waitCtxt, time.Millisecond*5)
	assert.NotNil(err)
	assert.ErrorIs(err, common.ErrTimeout)
}

func TestSendRequestTimeout(t *testing.T) {
	assert := assert.New(t)

	sender := &testSender{delay: time.Second}
	uut, err := DefineProviderDispatcher(sender, time.Millisecond*20, context.Background())
	assert.Nil(err)
	defer uut.Stop()

	responses := uut.SendWait(context.Background(), []common.ProviderRequest{testRequest(0)})
	assert.Len(responses, 1)
	assert.False(responses[0].Succeeded())
	assert.Equal("msg-0", responses[0].MessageID)
}
