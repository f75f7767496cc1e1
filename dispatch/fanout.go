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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/metrics"
	"github.com/apex/log"
)

// Sender delivers one provider request and returns the provider's response. Transport
// errors are folded into the response.
type Sender interface {
	Send(ctx context.Context, req common.ProviderRequest) common.ProviderResponse
}

// CompletionHandler called once with the completed aggregation of an async fan-out
type CompletionHandler func(agg *OperationAggregator)

// ProviderDispatcher fans subscription requests out to providers
type ProviderDispatcher interface {
	// SendWait send each request in turn, blocking for each reply before the next
	SendWait(ctx context.Context, reqs []common.ProviderRequest) []common.ProviderResponse
	// SendAsync send all requests concurrently. onComplete runs once, on the goroutine
	// which delivered the last response.
	SendAsync(agg *OperationAggregator, reqs []common.ProviderRequest, onComplete CompletionHandler)
	// PendingAsync number of async fan-outs not yet completed
	PendingAsync() int64
	// WaitForPendingAsync poll until no async fan-out is outstanding or the context ends
	WaitForPendingAsync(ctx context.Context, pollInterval time.Duration) error
	// Stop wait for all in-flight async work to finish
	Stop()
}

// providerDispatcherImpl implements ProviderDispatcher
type providerDispatcherImpl struct {
	common.Component
	sender           Sender
	requestTimeout   time.Duration
	operationContext context.Context
	pending          int64
	wg               sync.WaitGroup
}

// DefineProviderDispatcher create a new provider dispatcher
//
// Async requests are bound to rootCtxt instead of the triggering client request, as
// they outlive it.
func DefineProviderDispatcher(
	sender Sender, requestTimeout time.Duration, rootCtxt context.Context,
) (ProviderDispatcher, error) {
	if sender == nil {
		return nil, fmt.Errorf("provider dispatcher requires a sender")
	}
	logTags := log.Fields{
		"module": "dispatch", "component": "provider-dispatcher",
	}
	return &providerDispatcherImpl{
		Component:        common.Component{LogTags: logTags},
		sender:           sender,
		requestTimeout:   requestTimeout,
		operationContext: rootCtxt,
	}, nil
}

// sendOne send one request bounded by the request timeout
func (d *providerDispatcherImpl) sendOne(
	ctx context.Context, req common.ProviderRequest,
) common.ProviderResponse {
	useContext := ctx
	if d.requestTimeout > 0 {
		var cancel context.CancelFunc
		useContext, cancel = context.WithTimeout(ctx, d.requestTimeout)
		defer cancel()
	}
	start := time.Now()
	resp := d.sender.Send(useContext, req)
	opName := req.Operation().String()
	metrics.GetMetrics().ProviderRequestDuration.WithLabelValues(opName).Observe(
		time.Since(start).Seconds(),
	)
	metrics.GetMetrics().ProviderRequestsTotal.WithLabelValues(
		opName, metrics.Outcome(resp.Succeeded()),
	).Inc()
	header := req.Header()
	if !resp.Succeeded() {
		log.WithFields(d.LogTags).Infof(
			"Provider %s rejected %s of subscription %s: %s",
			header.Provider.Provider,
			opName,
			header.Subscription.Path(),
			resp.Error,
		)
	}
	// The response must correlate with its request
	if resp.MessageID == "" {
		resp.MessageID = header.MessageID
	}
	return resp
}

// SendWait send each request in turn
func (d *providerDispatcherImpl) SendWait(
	ctx context.Context, reqs []common.ProviderRequest,
) []common.ProviderResponse {
	responses := make([]common.ProviderResponse, 0, len(reqs))
	for _, req := range reqs {
		responses = append(responses, d.sendOne(ctx, req))
	}
	return responses
}

// runCompletion execute the completion handler, containing any panic
func (d *providerDispatcherImpl) runCompletion(
	agg *OperationAggregator, onComplete CompletionHandler,
) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(d.LogTags).Errorf(
				"Completion of %s operation panicked: %v", agg.GetOrigType(), r,
			)
		}
		atomic.AddInt64(&d.pending, -1)
		metrics.GetMetrics().PendingAsyncOperations.Dec()
	}()
	onComplete(agg)
}

// SendAsync send all requests concurrently
func (d *providerDispatcherImpl) SendAsync(
	agg *OperationAggregator, reqs []common.ProviderRequest, onComplete CompletionHandler,
) {
	atomic.AddInt64(&d.pending, 1)
	metrics.GetMetrics().PendingAsyncOperations.Inc()

	for _, req := range reqs {
		agg.AppendRequest(req)
	}
	if agg.SetNumberIssued(len(reqs)) {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runCompletion(agg, onComplete)
		}()
		return
	}

	for _, req := range reqs {
		d.wg.Add(1)
		go func(req common.ProviderRequest) {
			defer d.wg.Done()
			resp := d.sendOne(d.operationContext, req)
			if agg.AppendResponse(resp) {
				d.runCompletion(agg, onComplete)
			}
		}(req)
	}
}

// PendingAsync number of async fan-outs not yet completed
func (d *providerDispatcherImpl) PendingAsync() int64 {
	return atomic.LoadInt64(&d.pending)
}

// WaitForPendingAsync poll until no async fan-out is outstanding
func (d *providerDispatcherImpl) WaitForPendingAsync(
	ctx context.Context, pollInterval time.Duration,
) error {
	for d.PendingAsync() > 0 {
		select {
		case <-ctx.Done():
			return common.WrapCIMError(
				common.StatusFailed, common.ErrTimeout,
				"%d async provider operations still pending", d.PendingAsync(),
			)
		case <-time.After(pollInterval):
		}
	}
	return nil
}

// Stop wait for all in-flight async work to finish
func (d *providerDispatcherImpl) Stop() {
	log.WithFields(d.LogTags).Info("Waiting for in-flight provider requests")
	d.wg.Wait()
}
