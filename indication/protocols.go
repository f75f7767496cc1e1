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
	"time"

	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/dispatch"
	"github.com/alwitt/indisvc/metrics"
	"github.com/alwitt/indisvc/query"
	"github.com/alwitt/indisvc/repository"
	"github.com/alwitt/indisvc/subscription"
	"github.com/apex/log"
)

// subscriptionPlan what serving a subscription takes
type subscriptionPlan struct {
	filter     repository.FilterProperties
	expression *query.Expression
	// subclasses are the indication classes covered, per source namespace
	subclasses []common.NamespaceClassList
	// providers are the providers able to serve the subclasses
	providers []common.ProviderClassList
}

// requiredProperties the indication properties the filter needs. nil means all.
func (p subscriptionPlan) requiredProperties() []string {
	selected := p.expression.SelectPropertyNames()
	if selected == nil {
		return nil
	}
	result := append([]string{}, selected...)
	for _, property := range p.expression.WherePropertyNames() {
		if !common.ContainsFold(result, property) {
			result = append(result, property)
		}
	}
	return result
}

// planSubscription resolve the filter, the covered classes, and the providers of a
// subscription
func (s *serviceImpl) planSubscription(
	ctx context.Context, sub common.Subscription,
) (subscriptionPlan, error) {
	props, err := s.repo.GetFilterProperties(ctx, sub)
	if err != nil {
		return subscriptionPlan{}, err
	}
	language := props.QueryLanguage
	if language == "" {
		language = query.LanguageWQL
	}
	expression, err := s.compiler.Compile(props.Query, language, sub.Namespace)
	if err != nil {
		return subscriptionPlan{}, err
	}
	plan := subscriptionPlan{
		filter:     props,
		expression: expression,
		subclasses: []common.NamespaceClassList{},
	}
	for _, namespace := range props.SourceNamespaces {
		classes, err := s.repo.GetIndicationSubclasses(ctx, namespace, expression.ClassName())
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Warnf(
				"Indication class %s unavailable in %s", expression.ClassName(), namespace,
			)
			continue
		}
		plan.subclasses = append(plan.subclasses, common.NamespaceClassList{
			Namespace: namespace, ClassNames: classes,
		})
	}
	if len(plan.subclasses) == 0 {
		return subscriptionPlan{}, common.NewCIMError(
			common.StatusInvalidClass,
			"indication class %s is not defined in any source namespace", expression.ClassName(),
		)
	}
	plan.providers, err = s.repo.FindIndicationProviders(ctx, plan.subclasses)
	if err != nil {
		return subscriptionPlan{}, err
	}
	if len(plan.providers) == 0 {
		plan.providers = controlProviders(plan.subclasses)
	}
	return plan, nil
}

// providerRequests build one request per provider
func (s *serviceImpl) providerRequests(
	op common.OperationType,
	sub common.Subscription,
	plan *subscriptionPlan,
	providers []common.ProviderClassList,
	reqCtx common.RequestContext,
) []common.ProviderRequest {
	result := make([]common.ProviderRequest, 0, len(providers))
	for _, provider := range providers {
		header := common.ProviderRequestHeader{
			MessageID:    common.NewMessageID(),
			Context:      reqCtx,
			Provider:     provider.Clone(),
			Namespace:    sub.Namespace,
			Subscription: sub,
		}
		switch op {
		case common.OperationCreate:
			result = append(result, common.CreateSubscriptionRequest{
				ProviderRequestHeader:    header,
				RequiredProperties:       plan.requiredProperties(),
				RepeatNotificationPolicy: sub.RepeatNotificationPolicy,
				Query:                    plan.filter.Query,
				QueryLanguage:            plan.expression.Language(),
			})
		case common.OperationModify:
			result = append(result, common.ModifySubscriptionRequest{
				ProviderRequestHeader:    header,
				RequiredProperties:       plan.requiredProperties(),
				RepeatNotificationPolicy: sub.RepeatNotificationPolicy,
				Query:                    plan.filter.Query,
				QueryLanguage:            plan.expression.Language(),
			})
		default:
			result = append(result, common.DeleteSubscriptionRequest{ProviderRequestHeader: header})
		}
	}
	return result
}

// sendCreates ask the providers of the plan to serve the subscription. accepted runs
// once with the providers which accepted, after the last reply.
func (s *serviceImpl) sendCreates(
	ctx context.Context,
	sub common.Subscription,
	plan subscriptionPlan,
	reqCtx common.RequestContext,
	origin Request,
	async bool,
	accepted func([]common.ProviderClassList),
) {
	reqs := s.providerRequests(common.OperationCreate, sub, &plan, plan.providers, reqCtx)
	if !async {
		accepted(dispatch.AcceptedProviders(reqs, s.dispatcher.SendWait(ctx, reqs)))
		return
	}
	agg := dispatch.NewOperationAggregator(origin, common.OperationCreate, plan.subclasses)
	s.dispatcher.SendAsync(agg, reqs, func(agg *dispatch.OperationAggregator) {
		accepted(agg.AcceptedProviders())
	})
}

// rollbackProviders ask providers which accepted a create to drop it again
func (s *serviceImpl) rollbackProviders(
	sub common.Subscription, providers []common.ProviderClassList, reqCtx common.RequestContext,
) {
	reqs := s.providerRequests(common.OperationDelete, sub, nil, providers, reqCtx)
	agg := dispatch.NewOperationAggregator(nil, common.OperationDelete, nil)
	s.dispatcher.SendAsync(agg, reqs, func(agg *dispatch.OperationAggregator) {
		log.WithFields(s.LogTags).Infof(
			"Rolled back %d provider subscriptions of %s", agg.GetNumberResponses(), sub.Path(),
		)
	})
}

// indexSubscription record an active subscription served by providers
func (s *serviceImpl) indexSubscription(
	sub common.Subscription, providers []common.ProviderClassList, plan subscriptionPlan,
) {
	key := subscription.KeyOf(sub)
	if _, ok := s.index.GetEntry(key); ok {
		s.index.RemoveSubscription(sub, nil, nil)
	}
	if err := s.index.InsertSubscription(sub, providers, plan.subclasses); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to index %s", sub.Path())
	}
	metrics.GetMetrics().ActiveSubscriptions.Set(float64(s.index.Len()))
}

// handleNoProviders reconcile an enabled subscription nothing can serve
func (s *serviceImpl) handleNoProviders(sub common.Subscription, plan subscriptionPlan) {
	log.WithFields(s.LogTags).Warnf("No provider serves subscription %s", sub.Path())
	if s.reconcileFatalError(sub) {
		return
	}
	s.indexSubscription(sub, []common.ProviderClassList{}, plan)
}

// activateSubscription run the creation protocol for a persisted, enabled subscription.
// release runs once the protocol finishes.
func (s *serviceImpl) activateSubscription(
	ctx context.Context, sub common.Subscription, async bool, release func(),
) {
	handedOff := false
	defer func() {
		if !handedOff {
			release()
		}
	}()
	plan, err := s.planSubscription(ctx, sub)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to activate %s", sub.Path())
		return
	}
	if len(plan.providers) == 0 {
		s.handleNoProviders(sub, plan)
		return
	}
	handedOff = true
	s.sendCreates(
		ctx, sub, plan, common.RequestContext{}, nil, async,
		func(accepted []common.ProviderClassList) {
			defer release()
			if state, _ := s.getState(); state == EnabledStateShuttingDown ||
				state == EnabledStateDisabled {
				if len(accepted) > 0 {
					s.rollbackProviders(sub, accepted, common.RequestContext{})
				}
				return
			}
			if len(accepted) == 0 {
				s.handleNoProviders(sub, plan)
				return
			}
			s.indexSubscription(sub, accepted, plan)
			log.WithFields(s.LogTags).Debugf(
				"Activated %s with %d providers", sub.Path(), len(accepted),
			)
		},
	)
}

// deactivateSubscription run the deletion protocol. The subscription leaves the index
// before any provider is told to drop it. release runs after the last provider reply.
func (s *serviceImpl) deactivateSubscription(
	sub common.Subscription,
	reqCtx common.RequestContext,
	origin Request,
	release func(),
) {
	entry, ok := s.index.GetEntry(subscription.KeyOf(sub))
	if !ok {
		release()
		return
	}
	s.index.RemoveSubscription(entry.Subscription, nil, entry.Providers)
	metrics.GetMetrics().ActiveSubscriptions.Set(float64(s.index.Len()))
	if len(entry.Providers) == 0 {
		release()
		return
	}
	reqs := s.providerRequests(
		common.OperationDelete, entry.Subscription, nil, entry.Providers, reqCtx,
	)
	agg := dispatch.NewOperationAggregator(origin, common.OperationDelete, nil)
	s.dispatcher.SendAsync(agg, reqs, func(agg *dispatch.OperationAggregator) {
		defer release()
		for idx := 0; idx < agg.GetNumberResponses(); idx++ {
			resp := agg.GetResponse(idx)
			if !resp.Succeeded() {
				log.WithFields(common.LogTagsFor(s.LogTags, reqCtx)).Warnf(
					"Provider %s did not delete %s: %s", resp.Provider, sub.Path(), resp.Error,
				)
			}
		}
	})
}

// expireSubscription delete a subscription whose duration elapsed
func (s *serviceImpl) expireSubscription(ctx context.Context, sub common.Subscription) {
	release, err := s.locks.acquire(ctx, subscription.KeyOf(sub))
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to expire %s", sub.Path())
		return
	}
	s.dropExpiredSubscription(ctx, sub)
	s.deactivateSubscription(sub, common.RequestContext{}, nil, release)
}

// dropExpiredSubscription remove an expired subscription from the repository
func (s *serviceImpl) dropExpiredSubscription(ctx context.Context, sub common.Subscription) {
	err := s.repo.DeleteSubscription(ctx, sub.Path())
	if err != nil && common.ErrorCode(err) != common.StatusNotFound {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to delete expired %s", sub.Path())
		return
	}
	if err == nil {
		metrics.GetMetrics().SubscriptionsDeleted.WithLabelValues("expired").Inc()
		log.WithFields(s.LogTags).Infof(
			"Subscription %s expired at %s", sub.Path(), time.Now().UTC().Format(time.RFC3339),
		)
	}
}
