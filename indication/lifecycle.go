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
	"strings"
	"sync/atomic"
	"time"

	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/metrics"
	"github.com/alwitt/indisvc/subscription"
	"github.com/apex/log"
)

// EnabledState CIM EnabledState of the service
type EnabledState uint16

// Service states
const (
	EnabledStateEnabled      EnabledState = 2
	EnabledStateDisabled     EnabledState = 3
	EnabledStateShuttingDown EnabledState = 4
	EnabledStateStarting     EnabledState = 10
)

// String display form
func (s EnabledState) String() string {
	switch s {
	case EnabledStateEnabled:
		return "enabled"
	case EnabledStateDisabled:
		return "disabled"
	case EnabledStateShuttingDown:
		return "shutting down"
	case EnabledStateStarting:
		return "starting"
	default:
		return "unknown"
	}
}

// HealthState CIM HealthState of the service
type HealthState uint16

// Health states
const (
	HealthOK       HealthState = 5
	HealthDegraded HealthState = 10
)

// ReturnCode result of a service method
type ReturnCode uint32

// Method return codes
const (
	ReturnCompletedNoError ReturnCode = 0
	ReturnNotSupported     ReturnCode = 1
	ReturnTimeout          ReturnCode = 3
	ReturnFailed           ReturnCode = 4
	ReturnInvalidParameter ReturnCode = 5
)

// ServiceName is the Name key of the service instance
const ServiceName = "indisvc:IndicationService"

// ServiceInstance the CIM_IndicationService instance
type ServiceInstance struct {
	Name                  string       `json:"name"`
	ElementName           string       `json:"element_name"`
	EnabledState          EnabledState `json:"enabled_state"`
	HealthState           HealthState  `json:"health_state"`
	FilterCreationEnabled bool         `json:"filter_creation_enabled"`
	// SubscriptionRemovalTimeInterval is the expiry sweep period in seconds
	SubscriptionRemovalTimeInterval int `json:"subscription_removal_time_interval_sec"`
	// ActiveSubscriptions is the number of indexed subscriptions
	ActiveSubscriptions int `json:"active_subscriptions"`
	// PendingProviderOperations is the number of async provider fan-outs outstanding
	PendingProviderOperations int64 `json:"pending_provider_operations"`
}

// Path the object path of the service instance
func (i ServiceInstance) Path() common.ObjectPath {
	return common.ObjectPath{
		ClassName: common.ClassIndicationService,
		KeyBindings: []common.KeyBinding{
			{Name: common.PropertyCreationClassName, Value: common.ClassIndicationService},
			{Name: common.PropertyName, Value: i.Name},
		},
	}
}

func (s *serviceImpl) getState() (EnabledState, HealthState) {
	s.stateLock.RLock()
	defer s.stateLock.RUnlock()
	return s.state, s.health
}

func (s *serviceImpl) setState(state EnabledState, health HealthState) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	if s.state != state || s.health != health {
		log.WithFields(s.LogTags).Infof("Service state %s -> %s (health %d)", s.state, state, health)
	}
	s.state = state
	s.health = health
}

// GetServiceInstance the CIM_IndicationService instance
func (s *serviceImpl) GetServiceInstance() ServiceInstance {
	state, health := s.getState()
	return ServiceInstance{
		Name:                            ServiceName,
		ElementName:                     "indisvc indication service",
		EnabledState:                    state,
		HealthState:                     health,
		FilterCreationEnabled:           true,
		SubscriptionRemovalTimeInterval: s.config.ExpirySweepInterval,
		ActiveSubscriptions:             s.index.Len(),
		PendingProviderOperations:       s.dispatcher.PendingAsync(),
	}
}

// boundedContext apply the method timeout. 0 means no bound.
func boundedContext(ctx context.Context, timeoutSeconds uint32) (context.Context, context.CancelFunc) {
	if timeoutSeconds == 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Second*time.Duration(timeoutSeconds))
}

// Enable start the service
func (s *serviceImpl) Enable(ctx context.Context, timeoutSeconds uint32) ReturnCode {
	s.transitionLock.Lock()
	defer s.transitionLock.Unlock()
	// A degraded service re-runs activation for subscriptions a timed out start skipped
	if state, health := s.getState(); state == EnabledStateEnabled && health == HealthOK {
		return ReturnCompletedNoError
	}
	s.setState(EnabledStateStarting, HealthOK)

	useContext, cancel := boundedContext(ctx, timeoutSeconds)
	defer cancel()

	subs, err := s.repo.GetActiveSubscriptions(useContext)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to read enabled subscriptions")
		s.setState(EnabledStateDisabled, HealthOK)
		return ReturnFailed
	}

	timedOut := false
	now := time.Now().UTC()
	for _, sub := range subs {
		if sub.IsExpired(now) {
			s.dropExpiredSubscription(useContext, sub)
			continue
		}
		key := subscription.KeyOf(sub)
		if _, ok := s.index.GetEntry(key); ok {
			continue
		}
		release, err := s.locks.acquire(useContext, key)
		if err != nil {
			timedOut = true
			break
		}
		s.activateSubscription(useContext, sub, timeoutSeconds > 0, release)
	}
	if !timedOut && timeoutSeconds > 0 {
		if err := s.dispatcher.WaitForPendingAsync(useContext, pollInterval); err != nil {
			timedOut = true
		}
	}

	if err := s.expiryTimer.Start(
		s.config.ExpirySweepIntervalDuration(), s.sweepExpiredSubscriptions, false,
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start expiry sweep")
	}

	metrics.GetMetrics().ActiveSubscriptions.Set(float64(s.index.Len()))
	if timedOut {
		log.WithFields(s.LogTags).Errorf(
			"Startup did not complete within %d seconds", timeoutSeconds,
		)
		s.setState(EnabledStateEnabled, HealthDegraded)
		return ReturnTimeout
	}
	log.WithFields(s.LogTags).Infof("Enabled with %d active subscriptions", s.index.Len())
	s.setState(EnabledStateEnabled, HealthOK)
	return ReturnCompletedNoError
}

// Disable stop the service
func (s *serviceImpl) Disable(ctx context.Context, timeoutSeconds uint32) ReturnCode {
	s.transitionLock.Lock()
	defer s.transitionLock.Unlock()
	state, health := s.getState()
	if state == EnabledStateDisabled {
		return ReturnCompletedNoError
	}
	s.setState(EnabledStateShuttingDown, health)

	useContext, cancel := boundedContext(ctx, timeoutSeconds)
	defer cancel()

	timedOut := false
	for atomic.LoadInt64(&s.inflightIndications) > 0 && !timedOut {
		select {
		case <-useContext.Done():
			timedOut = true
		case <-time.After(pollInterval):
		}
	}

	// Creates whose provider fan-out was in flight index their subscription only on
	// completion, so drain until nothing is left.
	for !timedOut {
		for _, entry := range s.index.GetAllActiveSubscriptionEntries() {
			key := subscription.KeyOf(entry.Subscription)
			release, err := s.locks.acquire(useContext, key)
			if err != nil {
				timedOut = true
				break
			}
			s.deactivateSubscription(entry.Subscription, common.RequestContext{}, nil, release)
		}
		if timedOut {
			break
		}
		if err := s.dispatcher.WaitForPendingAsync(useContext, pollInterval); err != nil {
			timedOut = true
			break
		}
		if s.index.Len() == 0 {
			break
		}
	}

	if timedOut {
		log.WithFields(s.LogTags).Errorf(
			"Shutdown did not complete within %d seconds", timeoutSeconds,
		)
		s.setState(EnabledStateEnabled, HealthDegraded)
		return ReturnTimeout
	}

	_ = s.expiryTimer.Stop()
	s.index.Clear()
	metrics.GetMetrics().ActiveSubscriptions.Set(0)
	s.setState(EnabledStateDisabled, HealthOK)
	return ReturnCompletedNoError
}

// invokeMethod run a method of the service instance
func (s *serviceImpl) invokeMethod(ctx context.Context, req InvokeMethodRequest) Response {
	if !strings.EqualFold(req.MethodName, MethodRequestStateChange) {
		return errorResponse(common.NewCIMError(
			common.StatusMethodNotFound, "method %s is not supported", req.MethodName,
		))
	}
	if err := s.checkPrivileged(req.Context); err != nil {
		return errorResponse(err)
	}
	var result ReturnCode
	switch req.RequestedState {
	case EnabledStateEnabled:
		result = s.Enable(ctx, req.TimeoutSeconds)
	case EnabledStateDisabled:
		result = s.Disable(ctx, req.TimeoutSeconds)
	default:
		result = ReturnInvalidParameter
	}
	return Response{ReturnCode: &result}
}

// sweepExpiredSubscriptions delete every indexed subscription whose duration elapsed
func (s *serviceImpl) sweepExpiredSubscriptions() error {
	now := time.Now().UTC()
	for _, entry := range s.index.GetAllActiveSubscriptionEntries() {
		if entry.Subscription.IsExpired(now) {
			s.expireSubscription(s.rootCtxt, entry.Subscription)
		}
	}
	return nil
}
