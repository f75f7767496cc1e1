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

package dataplane

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/alwitt/indisvc/common"
	"github.com/go-playground/validator/v10"
)

// ProviderRequestHandler processes one subscription request on the provider side. A
// returned error becomes the provider's rejection.
type ProviderRequestHandler func(ctxt context.Context, req common.ProviderRequest) error

// IndicationListener receives one delivered indication on the handler side
type IndicationListener func(ctxt context.Context, req common.HandleIndicationRequest) error

// ==============================================================================
// Subjects

var subjectUnsafeChars = regexp.MustCompile(`[^A-Za-z0-9_\-]`)

// subjectToken make a name usable as a single NATS subject token
func subjectToken(name string) string {
	return subjectUnsafeChars.ReplaceAllString(strings.ToLower(name), "_")
}

// ProviderSubject subject a provider receives one kind of subscription request on
func ProviderSubject(prefix string, provider common.ProviderID, op common.OperationType) string {
	return fmt.Sprintf(
		"%s.provider.%s.%s.%s",
		prefix, subjectToken(provider.Module), subjectToken(provider.Name), op,
	)
}

// ProviderSubjectWildcard subject matching every request to a provider
func ProviderSubjectWildcard(prefix string, provider common.ProviderID) string {
	return fmt.Sprintf(
		"%s.provider.%s.%s.*", prefix, subjectToken(provider.Module), subjectToken(provider.Name),
	)
}

// HandlerSubject subject indications for a handler are published on
func HandlerSubject(prefix string, handler common.Handler) string {
	return fmt.Sprintf(
		"%s.handler.%s.%s", prefix, subjectToken(handler.ClassName), subjectToken(handler.Name),
	)
}

// HandlerSubjectWildcard subject matching indications for every handler
func HandlerSubjectWildcard(prefix string) string {
	return fmt.Sprintf("%s.handler.>", prefix)
}

// ==============================================================================
// Wire format

// ProviderRequestEnvelope wire form of a provider subscription request. Exactly one of
// the operation bodies is set, matching Operation.
type ProviderRequestEnvelope struct {
	Operation common.OperationType              `json:"operation" validate:"required,oneof=1 2 3"`
	Create    *common.CreateSubscriptionRequest `json:"create,omitempty" validate:"omitempty"`
	Modify    *common.ModifySubscriptionRequest `json:"modify,omitempty" validate:"omitempty"`
	Delete    *common.DeleteSubscriptionRequest `json:"delete,omitempty" validate:"omitempty"`
}

// WrapProviderRequest define the envelope of a request
func WrapProviderRequest(req common.ProviderRequest) (ProviderRequestEnvelope, error) {
	switch r := req.(type) {
	case common.CreateSubscriptionRequest:
		return ProviderRequestEnvelope{Operation: common.OperationCreate, Create: &r}, nil
	case common.ModifySubscriptionRequest:
		return ProviderRequestEnvelope{Operation: common.OperationModify, Modify: &r}, nil
	case common.DeleteSubscriptionRequest:
		return ProviderRequestEnvelope{Operation: common.OperationDelete, Delete: &r}, nil
	default:
		return ProviderRequestEnvelope{}, fmt.Errorf("unsupported provider request type %T", req)
	}
}

// Request unwrap the envelope
func (e ProviderRequestEnvelope) Request() (common.ProviderRequest, error) {
	switch {
	case e.Operation == common.OperationCreate && e.Create != nil:
		return *e.Create, nil
	case e.Operation == common.OperationModify && e.Modify != nil:
		return *e.Modify, nil
	case e.Operation == common.OperationDelete && e.Delete != nil:
		return *e.Delete, nil
	default:
		return nil, fmt.Errorf("envelope body does not match operation %s", e.Operation)
	}
}

// Validate check the envelope and the request it carries
func (e ProviderRequestEnvelope) Validate(validate *validator.Validate) error {
	if err := validate.Struct(&e); err != nil {
		return err
	}
	req, err := e.Request()
	if err != nil {
		return err
	}
	header := req.Header()
	return validate.Struct(&header)
}
