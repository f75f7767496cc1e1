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
	"time"

	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/query"
	"github.com/alwitt/indisvc/repository"
)

// instanceKind the kinds of instance the service manages
type instanceKind int

const (
	kindUnknown instanceKind = iota
	kindFilter
	kindHandler
	kindSubscription
	kindService
)

// Abstract handler classes which enumerate every concrete handler class
const (
	classListenerDestination = "CIM_ListenerDestination"
	classIndicationHandler   = "CIM_IndicationHandler"
)

// supportedHandlerClasses are the handler classes instances may be created of
var supportedHandlerClasses = []string{
	common.ClassListenerDestinationCIMXML,
	common.ClassListenerDestinationWSMAN,
	common.ClassIndicationHandlerCIMXML,
}

// classify the kind of instance a class holds
func classify(className string) instanceKind {
	switch {
	case strings.EqualFold(className, common.ClassIndicationFilter):
		return kindFilter
	case strings.EqualFold(className, common.ClassIndicationSubscription),
		strings.EqualFold(className, common.ClassFormattedIndicationSubscription):
		return kindSubscription
	case strings.EqualFold(className, common.ClassIndicationService):
		return kindService
	case strings.EqualFold(className, classListenerDestination),
		strings.EqualFold(className, classIndicationHandler),
		common.ContainsFold(supportedHandlerClasses, className):
		return kindHandler
	default:
		return kindUnknown
	}
}

// ===============================================================================
// Control provider

// ControlProviderID the built-in provider which serves instance lifecycle indications
// of the service's own instances when no registered provider does
var ControlProviderID = common.ProviderID{Module: "indisvc", Name: "IndicationServiceControl"}

// Lifecycle indication classes served by the control provider
const (
	classInstCreation     = "CIM_InstCreation"
	classInstDeletion     = "CIM_InstDeletion"
	classInstModification = "CIM_InstModification"
)

// controlProviders the built-in providers able to serve the subclasses
func controlProviders(subclasses []common.NamespaceClassList) []common.ProviderClassList {
	reg := common.ProviderRegistration{
		Provider:   ControlProviderID,
		ClassNames: []string{classInstCreation, classInstDeletion, classInstModification},
	}
	for _, nsClasses := range subclasses {
		reg.Namespaces = append(reg.Namespaces, nsClasses.Namespace)
	}
	served := repository.ServedClasses(reg, subclasses)
	if len(served) == 0 {
		return nil
	}
	return []common.ProviderClassList{{
		Provider:        ControlProviderID,
		SecurityContext: common.SecurityContextPrivileged,
		Classes:         served,
		ControlProvider: true,
	}}
}

// ===============================================================================
// Authorization

// isPrivileged whether the acting user is privileged. Every user is when
// authentication is off.
func (s *serviceImpl) isPrivileged(reqCtx common.RequestContext) bool {
	if !s.config.AuthenticationEnabled {
		return true
	}
	return common.ContainsFold(s.config.PrivilegedUsers, reqCtx.UserName)
}

// checkAccess whether the acting user may manage indication instances at all
func (s *serviceImpl) checkAccess(reqCtx common.RequestContext) error {
	if s.isPrivileged(reqCtx) || s.config.EnableSubscriptionsForNonprivilegedUsers {
		return nil
	}
	return common.NewCIMError(
		common.StatusAccessDenied,
		"user '%s' may not manage indication subscriptions", reqCtx.UserName,
	)
}

// checkPrivileged whether the acting user is privileged
func (s *serviceImpl) checkPrivileged(reqCtx common.RequestContext) error {
	if s.isPrivileged(reqCtx) {
		return nil
	}
	return common.NewCIMError(
		common.StatusAccessDenied, "user '%s' is not privileged", reqCtx.UserName,
	)
}

// checkOwner whether the acting user may change an instance created by creator
func (s *serviceImpl) checkOwner(reqCtx common.RequestContext, creator string) error {
	if err := s.checkAccess(reqCtx); err != nil {
		return err
	}
	if s.isPrivileged(reqCtx) || creator == "" || creator == reqCtx.UserName {
		return nil
	}
	return common.NewCIMError(
		common.StatusAccessDenied,
		"user '%s' may not change an instance created by '%s'", reqCtx.UserName, creator,
	)
}

// ===============================================================================
// Defaults and validation

func (s *serviceImpl) validateStruct(instance interface{}, what string) error {
	if err := s.validate.Struct(instance); err != nil {
		return common.WrapCIMError(common.StatusInvalidParameter, err, "invalid %s", what)
	}
	return nil
}

// prepareFilter apply defaults to a new filter and validate its query
func (s *serviceImpl) prepareFilter(
	ctx context.Context, reqCtx common.RequestContext, filter *common.Filter,
) error {
	if err := s.checkAccess(reqCtx); err != nil {
		return err
	}
	if filter.QueryLanguage == "" {
		filter.QueryLanguage = query.LanguageWQL
	}
	filter.CreatorName = reqCtx.UserName
	if err := s.validateStruct(filter, "filter"); err != nil {
		return err
	}
	className, err := query.ValidateQuery(
		s.compiler, filter.Query, filter.QueryLanguage, filter.Namespace,
	)
	if err != nil {
		return err
	}
	for _, namespace := range s.repo.GetSourceNamespaces(*filter) {
		if err := s.repo.ValidateIndicationClassName(ctx, namespace, className); err != nil {
			return err
		}
	}
	return nil
}

// prepareHandler apply defaults to a new handler and validate it
func (s *serviceImpl) prepareHandler(reqCtx common.RequestContext, handler *common.Handler) error {
	if err := s.checkAccess(reqCtx); err != nil {
		return err
	}
	if !common.ContainsFold(supportedHandlerClasses, handler.ClassName) {
		return common.NewCIMError(
			common.StatusInvalidClass, "handler class %s is not supported", handler.ClassName,
		)
	}
	switch handler.PersistenceType {
	case 0:
		handler.PersistenceType = common.PersistencePermanent
	case common.PersistencePermanent, common.PersistenceTransient:
	default:
		return common.NewCIMError(
			common.StatusNotSupported,
			"handler persistence type %d is not supported", handler.PersistenceType,
		)
	}
	handler.CreatorName = reqCtx.UserName
	return s.validateStruct(handler, "handler")
}

// prepareSubscription apply defaults to a new subscription and validate it
func (s *serviceImpl) prepareSubscription(
	ctx context.Context, reqCtx common.RequestContext, sub *common.Subscription,
) error {
	if err := s.checkAccess(reqCtx); err != nil {
		return err
	}
	if sub.ClassName == "" {
		sub.ClassName = common.ClassIndicationSubscription
	}
	if classify(sub.ClassName) != kindSubscription {
		return common.NewCIMError(
			common.StatusInvalidClass, "%s is not a subscription class", sub.ClassName,
		)
	}
	if sub.State == common.StateUnknown {
		sub.State = common.StateEnabled
	}
	if err := checkSubscriptionState(sub.State); err != nil {
		return err
	}
	switch sub.RepeatNotificationPolicy {
	case common.RepeatUnknown:
		sub.RepeatNotificationPolicy = common.RepeatNone
	case common.RepeatNone:
	default:
		return common.NewCIMError(
			common.StatusNotSupported,
			"repeat notification policy %d is not supported", sub.RepeatNotificationPolicy,
		)
	}
	switch sub.OnFatalErrorPolicy {
	case common.FatalErrorUnknown:
		sub.OnFatalErrorPolicy = common.FatalErrorIgnore
	case common.FatalErrorIgnore, common.FatalErrorDisable, common.FatalErrorRemove:
	default:
		return common.NewCIMError(
			common.StatusNotSupported,
			"on fatal error policy %s is not supported", sub.OnFatalErrorPolicy,
		)
	}
	sub.CreatorName = reqCtx.UserName
	if sub.AcceptLanguages == "" {
		sub.AcceptLanguages = reqCtx.AcceptLanguages
	}
	if sub.ContentLanguages == "" {
		sub.ContentLanguages = reqCtx.ContentLanguages
	}
	now := time.Now().UTC()
	sub.StartTime = &now
	sub.TimeOfLastStateChange = now
	if err := s.validateStruct(sub, "subscription"); err != nil {
		return err
	}

	if _, err := s.repo.GetFilterProperties(ctx, *sub); err != nil {
		return common.WrapCIMError(
			common.StatusInvalidParameter, err, "filter %s is not available", sub.Filter,
		)
	}
	if _, err := s.repo.GetHandlerForSubscription(ctx, *sub); err != nil {
		return common.WrapCIMError(
			common.StatusInvalidParameter, err, "handler %s is not available", sub.Handler,
		)
	}
	return nil
}

// checkSubscriptionState whether a client may set the subscription state
func checkSubscriptionState(state common.SubscriptionState) error {
	switch state {
	case common.StateEnabled, common.StateDisabled:
		return nil
	default:
		return common.NewCIMError(
			common.StatusNotSupported, "subscription state %s is not supported", state,
		)
	}
}
