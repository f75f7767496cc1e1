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

	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/dispatch"
	"github.com/alwitt/indisvc/metrics"
	"github.com/alwitt/indisvc/repository"
	"github.com/alwitt/indisvc/subscription"
	"github.com/apex/log"
)

func sameClasses(a, b []common.NamespaceClassList) bool {
	return len(classDifference(a, b)) == 0 && len(classDifference(b, a)) == 0
}

// notifyProviderRegistration record a registration change and bring every enabled
// subscription in line with it
func (s *serviceImpl) notifyProviderRegistration(
	ctx context.Context, req NotifyProviderRegistrationRequest,
) Response {
	if err := s.validateStruct(&req.Registration, "provider registration"); err != nil {
		return errorResponse(err)
	}
	previous, err := s.repo.RegisterProvider(ctx, req.Registration)
	if err != nil {
		return errorResponse(err)
	}
	if previous != nil {
		log.WithFields(s.LogTags).Infof("Provider %s registration changed", req.Registration.Provider)
	} else {
		log.WithFields(s.LogTags).Infof("Provider %s registered", req.Registration.Provider)
	}
	changed, err := s.reconcileProvider(ctx, req.Registration, previous)
	if err != nil {
		return errorResponse(err)
	}
	return Response{AffectedSubscriptions: changed}
}

// notifyProviderEnable a provider serves indications again
func (s *serviceImpl) notifyProviderEnable(
	ctx context.Context, req NotifyProviderEnableRequest,
) Response {
	if err := s.repo.SetProviderDisabled(ctx, req.Provider, false); err != nil {
		return errorResponse(err)
	}
	reg, err := s.repo.GetProviderRegistration(ctx, req.Provider)
	if err != nil {
		return errorResponse(err)
	}
	changed, err := s.reconcileProvider(ctx, reg, nil)
	if err != nil {
		return errorResponse(err)
	}
	return Response{AffectedSubscriptions: changed}
}

// notifyProviderTermination drop terminated providers from every subscription
func (s *serviceImpl) notifyProviderTermination(
	ctx context.Context, req NotifyProviderTerminationRequest,
) Response {
	affected := 0
	for _, provider := range req.Providers {
		if err := s.repo.SetProviderDisabled(ctx, provider, true); err != nil &&
			common.ErrorCode(err) != common.StatusNotFound {
			return errorResponse(err)
		}
		subs := s.index.ReflectProviderDisable(provider)
		for _, sub := range subs {
			log.WithFields(s.LogTags).Infof(
				"Subscription %s no longer served by terminated provider %s", sub.Path(), provider,
			)
		}
		affected += len(subs)
	}
	metrics.GetMetrics().ActiveSubscriptions.Set(float64(s.index.Len()))
	return Response{AffectedSubscriptions: affected}
}

// notifyProviderFail drop the providers of a failed module from every subscription
func (s *serviceImpl) notifyProviderFail(
	ctx context.Context, req NotifyProviderFailRequest,
) Response {
	entries := s.index.ReflectProviderModuleFailure(
		req.Module, req.UserName, s.config.AuthenticationEnabled,
	)
	for _, entry := range entries {
		for _, provider := range entry.Providers {
			log.WithFields(s.LogTags).Infof(
				"Subscription %s lost provider %s of failed module %s",
				entry.Subscription.Path(), provider.Provider, req.Module,
			)
		}
	}
	metrics.GetMetrics().ActiveSubscriptions.Set(float64(s.index.Len()))
	return Response{AffectedSubscriptions: len(entries)}
}

// reconcileCandidates the indexed subscriptions a registration can affect: those
// interested in its classes, and those the provider serves under its previous registration
func (s *serviceImpl) reconcileCandidates(
	reg common.ProviderRegistration, previous *common.ProviderRegistration,
) []common.Subscription {
	seen := map[subscription.SubscriptionKey]bool{}
	result := []common.Subscription{}
	collect := func(matches []subscription.MatchedSubscription) {
		for _, oneMatch := range matches {
			key := subscription.KeyOf(oneMatch.Subscription)
			if !seen[key] {
				seen[key] = true
				result = append(result, oneMatch.Subscription)
			}
		}
	}
	if !reg.Disabled {
		for _, className := range reg.ClassNames {
			collect(s.index.GetMatchingSubscriptions(className, reg.Namespaces, nil))
		}
	}
	served := reg
	if previous != nil {
		served = *previous
	}
	for _, className := range served.ClassNames {
		collect(s.index.GetMatchingSubscriptions(className, served.Namespaces, &reg.Provider))
	}
	return result
}

// reconcileProvider bring the active subscriptions in line with a provider registration.
// Returns the number of subscriptions whose service changed.
func (s *serviceImpl) reconcileProvider(
	ctx context.Context, reg common.ProviderRegistration, previous *common.ProviderRegistration,
) (int, error) {
	if state, _ := s.getState(); state != EnabledStateEnabled {
		return 0, nil
	}
	changed := 0
	for _, sub := range s.reconcileCandidates(reg, previous) {
		release, err := s.locks.acquire(ctx, subscription.KeyOf(sub))
		if err != nil {
			return changed, err
		}
		if s.reconcileSubscriptionProvider(ctx, sub, reg) {
			changed++
		}
		release()
	}
	metrics.GetMetrics().ActiveSubscriptions.Set(float64(s.index.Len()))
	return changed, nil
}

// classDifference the classes of from which are missing in without
func classDifference(from, without []common.NamespaceClassList) []common.NamespaceClassList {
	existing := common.ProviderClassList{Classes: without}
	result := []common.NamespaceClassList{}
	for _, nsClasses := range from {
		missing := []string{}
		for _, className := range nsClasses.ClassNames {
			if !existing.Serves(nsClasses.Namespace, className) {
				missing = append(missing, className)
			}
		}
		if len(missing) > 0 {
			result = append(result, common.NamespaceClassList{
				Namespace: nsClasses.Namespace, ClassNames: missing,
			})
		}
	}
	return result
}

// changeServedClasses move the classes a provider serves for a subscription from
// previous to next. New classes are added before old ones are dropped so a class served
// in both never goes missing.
func (s *serviceImpl) changeServedClasses(
	key subscription.SubscriptionKey,
	provider common.ProviderID,
	previous, next []common.NamespaceClassList,
) {
	for _, toggles := range [][]common.NamespaceClassList{
		classDifference(next, previous), classDifference(previous, next),
	} {
		for _, nsClasses := range toggles {
			for _, className := range nsClasses.ClassNames {
				s.index.UpdateClasses(key, provider, nsClasses.Namespace, className)
			}
		}
	}
}

// reconcileSubscriptionProvider send the Create, Modify, or Delete request which brings
// the provider's service of one subscription in line with its registration. Caller
// holds the subscription's identity lock.
func (s *serviceImpl) reconcileSubscriptionProvider(
	ctx context.Context, sub common.Subscription, reg common.ProviderRegistration,
) bool {
	plan, err := s.planSubscription(ctx, sub)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to reconcile %s", sub.Path())
		return false
	}
	served := []common.NamespaceClassList{}
	if !reg.Disabled {
		served = repository.ServedClasses(reg, plan.subclasses)
	}
	key := subscription.KeyOf(sub)
	entry, indexed := s.index.GetEntry(key)
	if !indexed {
		return false
	}
	var current *common.ProviderClassList
	for idx := range entry.Providers {
		if entry.Providers[idx].Provider.Equal(reg.Provider) {
			current = &entry.Providers[idx]
			break
		}
	}
	provider := common.ProviderClassList{
		Provider:        reg.Provider,
		SecurityContext: reg.SecurityContext,
		Classes:         served,
	}

	switch {
	case len(served) > 0 && current == nil:
		reqs := s.providerRequests(
			common.OperationCreate, sub, &plan, []common.ProviderClassList{provider},
			common.RequestContext{},
		)
		if len(dispatch.AcceptedProviders(reqs, s.dispatcher.SendWait(ctx, reqs))) == 0 {
			return false
		}
		s.index.UpdateProviders(key, provider, true)
		log.WithFields(s.LogTags).Infof("Subscription %s now served by %s", sub.Path(), reg.Provider)
		return true

	case len(served) > 0 && !sameClasses(current.Classes, served):
		reqs := s.providerRequests(
			common.OperationModify, sub, &plan, []common.ProviderClassList{provider},
			common.RequestContext{},
		)
		if len(dispatch.AcceptedProviders(reqs, s.dispatcher.SendWait(ctx, reqs))) == 0 {
			return false
		}
		s.changeServedClasses(key, reg.Provider, current.Classes, served)
		log.WithFields(s.LogTags).Infof(
			"Subscription %s served by %s for %d classes", sub.Path(), reg.Provider,
			provider.ClassCount(),
		)
		return true

	case len(served) == 0 && current != nil:
		reqs := s.providerRequests(
			common.OperationDelete, sub, nil, []common.ProviderClassList{*current},
			common.RequestContext{},
		)
		for _, resp := range s.dispatcher.SendWait(ctx, reqs) {
			if !resp.Succeeded() {
				log.WithFields(s.LogTags).Warnf(
					"Provider %s did not delete %s: %s", resp.Provider, sub.Path(), resp.Error,
				)
			}
		}
		s.index.UpdateProviders(key, *current, false)
		log.WithFields(s.LogTags).Infof(
			"Subscription %s no longer served by %s", sub.Path(), reg.Provider,
		)
		if remaining, ok := s.index.GetEntry(key); ok && len(remaining.Providers) == 0 {
			if s.reconcileFatalError(remaining.Subscription) {
				s.index.RemoveSubscription(remaining.Subscription, nil, nil)
			}
		}
		return true
	}
	return false
}
