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
	"sync"

	"github.com/alwitt/indisvc/common"
)

// OriginRequest the client request which triggered an operation
type OriginRequest interface {
	// RequestContext the identity bundle of the request
	RequestContext() common.RequestContext
}

// OperationAggregator collects the provider responses of one logical create, modify,
// or delete operation fanned out to several providers.
//
// SetNumberIssued must be called before any request is dispatched. AppendResponse
// reports completion exactly once. The aggregator is dropped by the goroutine which
// observed completion once it is done with it.
type OperationAggregator struct {
	origRequest OriginRequest
	origType    common.OperationType
	subclasses  []common.NamespaceClassList

	lock         sync.Mutex
	numberIssued int
	issued       bool
	completed    bool
	requests     []common.ProviderRequest
	responses    []common.ProviderResponse
	done         chan struct{}
}

// NewOperationAggregator define a new aggregator. origRequest is nil for system
// initiated operations.
func NewOperationAggregator(
	origRequest OriginRequest,
	op common.OperationType,
	subclasses []common.NamespaceClassList,
) *OperationAggregator {
	return &OperationAggregator{
		origRequest: origRequest,
		origType:    op,
		subclasses:  subclasses,
		requests:    []common.ProviderRequest{},
		responses:   []common.ProviderResponse{},
		done:        make(chan struct{}),
	}
}

// complete mark the aggregation completed. Returns true only on the first call.
//
// Caller must hold the lock.
func (a *OperationAggregator) complete() bool {
	if a.completed {
		return false
	}
	a.completed = true
	close(a.done)
	return true
}

// SetNumberIssued record how many responses are expected. Returns true if this call
// completed the aggregation, which happens when n is zero.
func (a *OperationAggregator) SetNumberIssued(n int) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.numberIssued = n
	a.issued = true
	if len(a.responses) >= n {
		return a.complete()
	}
	return false
}

// AppendRequest record one issued provider request
func (a *OperationAggregator) AppendRequest(req common.ProviderRequest) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.requests = append(a.requests, req)
}

// AppendResponse record one provider response. Returns true exactly once, on the
// response which completes the expected count.
func (a *OperationAggregator) AppendResponse(resp common.ProviderResponse) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.completed {
		return false
	}
	a.responses = append(a.responses, resp)
	if a.issued && len(a.responses) >= a.numberIssued {
		return a.complete()
	}
	return false
}

// MarkDone complete the aggregation without waiting for outstanding responses. Returns
// true if this call completed it.
func (a *OperationAggregator) MarkDone() bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.complete()
}

// Done closed once the aggregation completes
func (a *OperationAggregator) Done() <-chan struct{} {
	return a.done
}

// FindProvider correlate a response back to the provider which produced it
func (a *OperationAggregator) FindProvider(messageID string) (common.ProviderClassList, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, req := range a.requests {
		header := req.Header()
		if header.MessageID == messageID {
			return header.Provider, true
		}
	}
	return common.ProviderClassList{}, false
}

// GetResponse fetch the i-th response
func (a *OperationAggregator) GetResponse(i int) common.ProviderResponse {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.responses[i]
}

// GetNumberResponses number of responses received
func (a *OperationAggregator) GetNumberResponses() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.responses)
}

// GetRequest fetch the i-th request
func (a *OperationAggregator) GetRequest(i int) common.ProviderRequest {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.requests[i]
}

// GetNumberRequests number of requests issued
func (a *OperationAggregator) GetNumberRequests() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.requests)
}

// GetOrigRequest the client request which triggered the operation. nil if system initiated.
func (a *OperationAggregator) GetOrigRequest() OriginRequest {
	return a.origRequest
}

// GetOrigType the operation being aggregated
func (a *OperationAggregator) GetOrigType() common.OperationType {
	return a.origType
}

// GetSubclasses the indication subclasses, per namespace, used to build the requests
func (a *OperationAggregator) GetSubclasses() []common.NamespaceClassList {
	return a.subclasses
}

// RequiresResponse whether a client is waiting on the operation
func (a *OperationAggregator) RequiresResponse() bool {
	return a.origRequest != nil
}

// AcceptedProviders the providers which accepted their request
func (a *OperationAggregator) AcceptedProviders() []common.ProviderClassList {
	a.lock.Lock()
	requests := append([]common.ProviderRequest{}, a.requests...)
	responses := append([]common.ProviderResponse{}, a.responses...)
	a.lock.Unlock()
	return AcceptedProviders(requests, responses)
}

// AcceptedProviders correlate responses to requests and return the providers which
// accepted. Responses with no matching request are ignored.
func AcceptedProviders(
	requests []common.ProviderRequest, responses []common.ProviderResponse,
) []common.ProviderClassList {
	byMessageID := make(map[string]common.ProviderClassList, len(requests))
	for _, req := range requests {
		header := req.Header()
		byMessageID[header.MessageID] = header.Provider
	}
	accepted := []common.ProviderClassList{}
	for _, resp := range responses {
		if !resp.Succeeded() {
			continue
		}
		if provider, ok := byMessageID[resp.MessageID]; ok {
			accepted = append(accepted, provider)
		}
	}
	return accepted
}
