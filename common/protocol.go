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

package common

import (
	"github.com/google/uuid"
)

// OperationType the kind of provider subscription operation
type OperationType int

// Provider subscription operations
const (
	OperationCreate OperationType = 1
	OperationDelete OperationType = 2
	OperationModify OperationType = 3
)

// String display form
func (o OperationType) String() string {
	switch o {
	case OperationCreate:
		return "create"
	case OperationDelete:
		return "delete"
	case OperationModify:
		return "modify"
	default:
		return "unknown"
	}
}

// ProviderRequestHeader fields shared by all provider subscription requests
type ProviderRequestHeader struct {
	// MessageID correlates the response back to this request
	MessageID string `json:"message_id" validate:"required"`
	// Context is the identity / language bundle of the request
	Context RequestContext `json:"context"`
	// Provider is the target provider and the classes it should serve
	Provider ProviderClassList `json:"provider" validate:"required"`
	// Namespace is the subscription's source namespace
	Namespace string `json:"namespace" validate:"required"`
	// Subscription is a snapshot of the subscription
	Subscription Subscription `json:"subscription" validate:"required"`
}

// ProviderRequest a Create, Modify, or Delete subscription request to a provider
type ProviderRequest interface {
	// Header the common request fields
	Header() ProviderRequestHeader
	// Operation the request's operation
	Operation() OperationType
}

// CreateSubscriptionRequest asks a provider to begin serving a subscription
type CreateSubscriptionRequest struct {
	ProviderRequestHeader
	// RequiredProperties are the indication properties the filter needs. nil means all.
	RequiredProperties []string `json:"required_properties,omitempty"`
	// RepeatNotificationPolicy is the subscription's repeat notification policy
	RepeatNotificationPolicy RepeatNotificationPolicy `json:"repeat_notification_policy"`
	// Query is the filter query
	Query string `json:"query"`
	// QueryLanguage is the filter query language
	QueryLanguage string `json:"query_language"`
}

// Header the common request fields
func (r CreateSubscriptionRequest) Header() ProviderRequestHeader {
	return r.ProviderRequestHeader
}

// Operation the request's operation
func (r CreateSubscriptionRequest) Operation() OperationType {
	return OperationCreate
}

// ModifySubscriptionRequest asks a provider to change the classes it serves for a subscription
type ModifySubscriptionRequest struct {
	ProviderRequestHeader
	// RequiredProperties are the indication properties the filter needs. nil means all.
	RequiredProperties []string `json:"required_properties,omitempty"`
	// RepeatNotificationPolicy is the subscription's repeat notification policy
	RepeatNotificationPolicy RepeatNotificationPolicy `json:"repeat_notification_policy"`
	// Query is the filter query
	Query string `json:"query"`
	// QueryLanguage is the filter query language
	QueryLanguage string `json:"query_language"`
}

// Header the common request fields
func (r ModifySubscriptionRequest) Header() ProviderRequestHeader {
	return r.ProviderRequestHeader
}

// Operation the request's operation
func (r ModifySubscriptionRequest) Operation() OperationType {
	return OperationModify
}

// DeleteSubscriptionRequest asks a provider to stop serving a subscription
type DeleteSubscriptionRequest struct {
	ProviderRequestHeader
}

// Header the common request fields
func (r DeleteSubscriptionRequest) Header() ProviderRequestHeader {
	return r.ProviderRequestHeader
}

// Operation the request's operation
func (r DeleteSubscriptionRequest) Operation() OperationType {
	return OperationDelete
}

// ProviderResponse the outcome of one provider subscription request
type ProviderResponse struct {
	// MessageID of the request this responds to
	MessageID string `json:"message_id"`
	// Operation of the request this responds to
	Operation OperationType `json:"operation"`
	// Provider which responded
	Provider ProviderID `json:"provider"`
	// Error is set when the provider rejected the request
	Error *CIMError `json:"error,omitempty"`
}

// Succeeded whether the provider accepted the request
func (r ProviderResponse) Succeeded() bool {
	return r.Error == nil
}

// NewProviderResponse define a response for a request
func NewProviderResponse(req ProviderRequest, err error) ProviderResponse {
	header := req.Header()
	return ProviderResponse{
		MessageID: header.MessageID,
		Operation: req.Operation(),
		Provider:  header.Provider.Provider,
		Error:     ToCIMError(err),
	}
}

// NewMessageID generate a new message ID
func NewMessageID() string {
	return uuid.NewString()
}

// ===============================================================================

// HandleIndicationRequest forwards one matched indication to its handler
type HandleIndicationRequest struct {
	// MessageID identifies the delivery
	MessageID string `json:"message_id"`
	// Context is the identity / language bundle of the originating indication
	Context RequestContext `json:"context"`
	// Handler is the delivery target
	Handler Handler `json:"handler"`
	// Subscription is the matched subscription
	Subscription Subscription `json:"subscription"`
	// Indication is the formatted indication
	Indication Instance `json:"indication"`
	// SourceNamespace is the namespace the indication was generated in
	SourceNamespace string `json:"source_namespace"`
}
