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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/dataplane"
	"github.com/alwitt/indisvc/dispatch"
	"github.com/alwitt/indisvc/metrics"
	"github.com/alwitt/indisvc/query"
	"github.com/alwitt/indisvc/repository"
	"github.com/alwitt/indisvc/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Service the indication subscription service
type Service interface {
	// Dispatch process one request. The returned channel yields exactly one response.
	Dispatch(ctx context.Context, req Request) <-chan Response
	// Enable start the service, activating every enabled subscription. timeoutSeconds
	// of 0 means no bound.
	Enable(ctx context.Context, timeoutSeconds uint32) ReturnCode
	// Disable stop the service, releasing every active subscription. timeoutSeconds
	// of 0 means no bound.
	Disable(ctx context.Context, timeoutSeconds uint32) ReturnCode
	// GetServiceInstance the CIM_IndicationService instance
	GetServiceInstance() ServiceInstance
	// GetActiveSubscriptionEntries snapshot of the active subscription index
	GetActiveSubscriptionEntries() []subscription.ActiveSubscriptionsEntry
	// Stop wait for in-flight work and release resources
	Stop(ctx context.Context) error
}

// ServiceParams collaborators of the indication service
type ServiceParams struct {
	// Config is the indication service config
	Config common.IndicationServiceConfig
	// Repository is the durable store
	Repository repository.Repository
	// Compiler compiles filter queries
	Compiler query.Compiler
	// Transport carries subscription requests to providers
	Transport dataplane.ProviderTransport
	// Delivery forwards matched indications to handlers
	Delivery dataplane.IndicationDelivery
}

// serviceImpl implements Service
type serviceImpl struct {
	common.Component
	config     common.IndicationServiceConfig
	repo       repository.Repository
	compiler   query.Compiler
	delivery   dataplane.QueuedDelivery
	index      subscription.SubscriptionIndex
	dispatcher dispatch.ProviderDispatcher
	locks      *identityLocks
	validate   *validator.Validate

	rootCtxt context.Context
	wg       *sync.WaitGroup

	// transitionLock serializes Enable and Disable
	transitionLock sync.Mutex
	stateLock      sync.RWMutex
	state          EnabledState
	health         HealthState

	// inflightIndications is the number of indications being matched
	inflightIndications int64

	queueLock sync.Mutex
	// queued are indications held back while subscription creates are pending
	queued   []queuedIndication
	flushing bool

	expiryTimer common.IntervalTimer
}

// serviceSender sends provider requests, answering control provider requests in-process
type serviceSender struct {
	transport dataplane.ProviderTransport
}

// Send deliver one request
func (s serviceSender) Send(ctx context.Context, req common.ProviderRequest) common.ProviderResponse {
	if req.Header().Provider.ControlProvider {
		return common.NewProviderResponse(req, nil)
	}
	return s.transport.Send(ctx, req)
}

// DefineIndicationService define a new indication service. The service starts Disabled.
func DefineIndicationService(
	params ServiceParams, rootCtxt context.Context, wg *sync.WaitGroup,
) (Service, error) {
	validate := validator.New()
	if err := validate.Struct(&params.Config); err != nil {
		return nil, err
	}
	if params.Repository == nil || params.Compiler == nil {
		return nil, fmt.Errorf("indication service requires a repository and a query compiler")
	}
	if params.Transport == nil || params.Delivery == nil {
		return nil, fmt.Errorf("indication service requires provider transport and delivery")
	}
	logTags := log.Fields{"module": "indication", "component": "service"}

	instance := &serviceImpl{
		Component: common.Component{LogTags: logTags},
		config:    params.Config,
		repo:      params.Repository,
		compiler:  params.Compiler,
		locks:     newIdentityLocks(),
		validate:  validate,
		rootCtxt:  rootCtxt,
		wg:        wg,
		state:     EnabledStateDisabled,
		health:    HealthOK,
		queued:    []queuedIndication{},
	}

	index, err := subscription.DefineSubscriptionIndex(instance.reconcileFatalError)
	if err != nil {
		return nil, err
	}
	instance.index = index

	dispatcher, err := dispatch.DefineProviderDispatcher(
		serviceSender{transport: params.Transport},
		params.Config.ProviderRequestTimeoutDuration(),
		rootCtxt,
	)
	if err != nil {
		return nil, err
	}
	instance.dispatcher = dispatcher

	delivery, err := dataplane.DefineQueuedDelivery(
		"indication-delivery",
		params.Delivery,
		params.Config.DeliveryWorkers,
		params.Config.DeliveryQueueDepth,
		params.Config.ProviderRequestTimeoutDuration(),
		rootCtxt,
	)
	if err != nil {
		return nil, err
	}
	if err := delivery.Start(wg); err != nil {
		return nil, err
	}
	instance.delivery = delivery

	timer, err := common.GetIntervalTimerInstance("subscription-expiry", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	instance.expiryTimer = timer

	return instance, nil
}

// reconcileFatalError apply the fatal error policy of a subscription which lost all
// of its providers. Called by the index while it holds its locks.
func (s *serviceImpl) reconcileFatalError(sub common.Subscription) bool {
	removed := s.repo.ReconcileFatalError(sub)
	metrics.GetMetrics().FatalErrorReconciled.WithLabelValues(sub.OnFatalErrorPolicy.String()).Inc()
	log.WithFields(s.LogTags).Infof(
		"Subscription %s lost all providers, applied policy %s (removed from index: %v)",
		sub.Path(), sub.OnFatalErrorPolicy, removed,
	)
	return removed
}

// GetActiveSubscriptionEntries snapshot of the active subscription index
func (s *serviceImpl) GetActiveSubscriptionEntries() []subscription.ActiveSubscriptionsEntry {
	return s.index.GetAllActiveSubscriptionEntries()
}

// Stop wait for in-flight work and release resources
func (s *serviceImpl) Stop(ctx context.Context) error {
	_ = s.expiryTimer.Stop()
	if err := s.dispatcher.WaitForPendingAsync(ctx, pollInterval); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Stopping with provider requests pending")
	}
	s.dispatcher.Stop()
	return s.delivery.Stop()
}

// pollInterval is the sleep between checks for outstanding work
const pollInterval = time.Millisecond * 20

// ===============================================================================
// Dispatch

// Dispatch process one request on its own goroutine
func (s *serviceImpl) Dispatch(ctx context.Context, req Request) <-chan Response {
	out := make(chan Response, 1)
	once := sync.Once{}
	logTags := common.LogTagsFor(s.LogTags, req.RequestContext())
	name := req.requestName()
	respond := func(resp Response) {
		once.Do(func() {
			status := "ok"
			if resp.Error != nil {
				status = resp.Error.Code.String()
				log.WithError(resp.Error).WithFields(logTags).Debugf("%s failed", name)
			}
			metrics.GetMetrics().APIRequestsTotal.WithLabelValues(name, status).Inc()
			out <- resp
		})
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logTags).Errorf("Processing %s panicked: %v", name, r)
				respond(errorResponse(common.NewCIMError(
					common.StatusFailed, "internal error processing %s", name,
				)))
			}
		}()
		s.dispatch(ctx, req, respond)
	}()
	return out
}

// dispatch route the request to its handler. respond may be called after return.
func (s *serviceImpl) dispatch(ctx context.Context, req Request, respond func(Response)) {
	if err := s.checkServiceState(req); err != nil {
		respond(errorResponse(err))
		return
	}
	switch r := req.(type) {
	case GetInstanceRequest:
		respond(s.getInstance(ctx, r))
	case EnumerateInstancesRequest:
		respond(s.enumerateInstances(ctx, r))
	case EnumerateInstanceNamesRequest:
		respond(s.enumerateInstanceNames(ctx, r))
	case CreateInstanceRequest:
		s.createInstance(ctx, r, respond)
	case ModifyInstanceRequest:
		s.modifyInstance(ctx, r, respond)
	case DeleteInstanceRequest:
		s.deleteInstance(ctx, r, respond)
	case InvokeMethodRequest:
		respond(s.invokeMethod(ctx, r))
	case ProcessIndicationRequest:
		respond(s.processIndication(ctx, r))
	case NotifyProviderRegistrationRequest:
		respond(s.notifyProviderRegistration(ctx, r))
	case NotifyProviderTerminationRequest:
		respond(s.notifyProviderTermination(ctx, r))
	case NotifyProviderEnableRequest:
		respond(s.notifyProviderEnable(ctx, r))
	case NotifyProviderFailRequest:
		respond(s.notifyProviderFail(ctx, r))
	default:
		respond(errorResponse(common.NewCIMError(
			common.StatusNotSupported, "unsupported request %T", req,
		)))
	}
}

// checkServiceState reject requests the service cannot serve in its current state
func (s *serviceImpl) checkServiceState(req Request) error {
	state, _ := s.getState()
	if state == EnabledStateEnabled {
		return nil
	}
	switch r := req.(type) {
	case InvokeMethodRequest, ProcessIndicationRequest,
		NotifyProviderRegistrationRequest, NotifyProviderTerminationRequest,
		NotifyProviderEnableRequest, NotifyProviderFailRequest:
		return nil
	case GetInstanceRequest:
		if classify(r.Path.ClassName) == kindService {
			return nil
		}
	case EnumerateInstancesRequest:
		if classify(r.ClassName) == kindService {
			return nil
		}
	case EnumerateInstanceNamesRequest:
		if classify(r.ClassName) == kindService {
			return nil
		}
	}
	return common.NewCIMError(
		common.StatusServerShutdown, "indication service is %s", state,
	)
}
