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
	"github.com/alwitt/indisvc/common"
)

// Request one inbound request to the indication service
type Request interface {
	// RequestContext the identity bundle of the request
	RequestContext() common.RequestContext
	// requestName short name used in logs and metrics
	requestName() string
}

// RequestBase fields shared by every request
type RequestBase struct {
	// Context is the identity / language bundle of the request
	Context common.RequestContext `json:"context"`
}

// RequestContext the identity bundle of the request
func (r RequestBase) RequestContext() common.RequestContext {
	return r.Context
}

// GetInstanceRequest fetch one filter, handler, subscription, or the service instance
type GetInstanceRequest struct {
	RequestBase
	Path common.ObjectPath `json:"path" validate:"required"`
}

func (r GetInstanceRequest) requestName() string { return "get_instance" }

// EnumerateInstancesRequest list the instances of a class within a namespace
type EnumerateInstancesRequest struct {
	RequestBase
	Namespace string `json:"namespace" validate:"required"`
	ClassName string `json:"class_name" validate:"required"`
}

func (r EnumerateInstancesRequest) requestName() string { return "enumerate_instances" }

// EnumerateInstanceNamesRequest list the instance paths of a class within a namespace
type EnumerateInstanceNamesRequest struct {
	RequestBase
	Namespace string `json:"namespace" validate:"required"`
	ClassName string `json:"class_name" validate:"required"`
}

func (r EnumerateInstanceNamesRequest) requestName() string { return "enumerate_instance_names" }

// CreateInstanceRequest create a filter, handler, or subscription. Exactly one
// of the instances must be set.
type CreateInstanceRequest struct {
	RequestBase
	Filter       *common.Filter       `json:"filter,omitempty"`
	Handler      *common.Handler      `json:"handler,omitempty"`
	Subscription *common.Subscription `json:"subscription,omitempty"`
}

func (r CreateInstanceRequest) requestName() string { return "create_instance" }

// ModifyInstanceRequest modify a handler or subscription. Exactly one of the
// instances must be set.
type ModifyInstanceRequest struct {
	RequestBase
	Handler      *common.Handler      `json:"handler,omitempty"`
	Subscription *common.Subscription `json:"subscription,omitempty"`
}

func (r ModifyInstanceRequest) requestName() string { return "modify_instance" }

// DeleteInstanceRequest delete a filter, handler, or subscription
type DeleteInstanceRequest struct {
	RequestBase
	Path common.ObjectPath `json:"path" validate:"required"`
}

func (r DeleteInstanceRequest) requestName() string { return "delete_instance" }

// MethodRequestStateChange the only method the service instance supports
const MethodRequestStateChange = "RequestStateChange"

// InvokeMethodRequest invoke a method of the service instance
type InvokeMethodRequest struct {
	RequestBase
	MethodName string `json:"method_name" validate:"required"`
	// RequestedState is the target EnabledState
	RequestedState EnabledState `json:"requested_state"`
	// TimeoutSeconds bounds the state change. 0 means unbounded.
	TimeoutSeconds uint32 `json:"timeout_sec"`
}

func (r InvokeMethodRequest) requestName() string { return "invoke_method" }

// ProcessIndicationRequest an indication generated by a provider
type ProcessIndicationRequest struct {
	RequestBase
	Provider  common.ProviderID `json:"provider" validate:"required"`
	Namespace string            `json:"namespace" validate:"required"`
	// Indication is the generated indication
	Indication common.Instance `json:"indication" validate:"required"`
	// SubscriptionPaths optionally restrict matching to these subscriptions
	SubscriptionPaths []common.ObjectPath `json:"subscription_paths,omitempty"`
}

func (r ProcessIndicationRequest) requestName() string { return "process_indication" }

// NotifyProviderRegistrationRequest a provider registration was added or changed
type NotifyProviderRegistrationRequest struct {
	RequestBase
	Registration common.ProviderRegistration `json:"registration" validate:"required"`
}

func (r NotifyProviderRegistrationRequest) requestName() string {
	return "notify_provider_registration"
}

// NotifyProviderTerminationRequest providers stopped serving indications
type NotifyProviderTerminationRequest struct {
	RequestBase
	Providers []common.ProviderID `json:"providers" validate:"required,min=1,dive"`
}

func (r NotifyProviderTerminationRequest) requestName() string {
	return "notify_provider_termination"
}

// NotifyProviderEnableRequest a provider is serving indications again
type NotifyProviderEnableRequest struct {
	RequestBase
	Provider common.ProviderID `json:"provider" validate:"required"`
}

func (r NotifyProviderEnableRequest) requestName() string { return "notify_provider_enable" }

// NotifyProviderFailRequest a provider module failed
type NotifyProviderFailRequest struct {
	RequestBase
	Module   string `json:"module" validate:"required"`
	UserName string `json:"user_name,omitempty"`
}

func (r NotifyProviderFailRequest) requestName() string { return "notify_provider_fail" }

// ===============================================================================

// Response the single response to a Request
type Response struct {
	// Error is set when the request failed
	Error *common.CIMError `json:"error,omitempty"`
	// Path of the created instance
	Path *common.ObjectPath `json:"path,omitempty"`

	Filter       *common.Filter       `json:"filter,omitempty"`
	Handler      *common.Handler      `json:"handler,omitempty"`
	Subscription *common.Subscription `json:"subscription,omitempty"`
	Service      *ServiceInstance     `json:"service,omitempty"`

	Filters       []common.Filter       `json:"filters,omitempty"`
	Handlers      []common.Handler      `json:"handlers,omitempty"`
	Subscriptions []common.Subscription `json:"subscriptions,omitempty"`
	Services      []ServiceInstance     `json:"services,omitempty"`
	Names         []common.ObjectPath   `json:"names,omitempty"`

	// ReturnCode of an invoked method
	ReturnCode *ReturnCode `json:"return_code,omitempty"`
	// AffectedSubscriptions is the number of subscriptions a provider notification changed
	AffectedSubscriptions int `json:"affected_subscriptions"`
}

// Err the response error as an error value
func (r Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// errorResponse define a failed response
func errorResponse(err error) Response {
	return Response{Error: common.ToCIMError(err)}
}
