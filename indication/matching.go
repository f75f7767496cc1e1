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
	"sync/atomic"
	"time"

	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/metrics"
	"github.com/alwitt/indisvc/query"
	"github.com/alwitt/indisvc/subscription"
	"github.com/apex/log"
)

// queuedIndication an indication held back while subscription creates are pending
type queuedIndication struct {
	req ProcessIndicationRequest
}

// processIndication match a provider generated indication against the active
// subscriptions. The indication is always acknowledged.
func (s *serviceImpl) processIndication(ctx context.Context, req ProcessIndicationRequest) Response {
	if err := s.validateStruct(&req, "indication"); err != nil {
		return errorResponse(err)
	}
	s.queueLock.Lock()
	if s.flushing || len(s.queued) > 0 || s.repo.GetUncommittedCreateSubscriptionRequests() {
		s.queued = append(s.queued, queuedIndication{req: req})
		log.WithFields(common.LogTagsFor(s.LogTags, req.Context)).Debugf(
			"Holding %s from %s until pending creates finish",
			req.Indication.ClassName, req.Provider,
		)
		s.queueLock.Unlock()
		s.flushQueuedIndications()
		return Response{}
	}
	s.queueLock.Unlock()
	s.matchIndication(ctx, req)
	return Response{}
}

// flushQueuedIndications match the held indications in arrival order, once no
// subscription create is pending
func (s *serviceImpl) flushQueuedIndications() {
	s.queueLock.Lock()
	if s.flushing {
		s.queueLock.Unlock()
		return
	}
	s.flushing = true
	for {
		if len(s.queued) == 0 || s.repo.GetUncommittedCreateSubscriptionRequests() {
			s.flushing = false
			s.queueLock.Unlock()
			return
		}
		next := s.queued[0]
		s.queued = s.queued[1:]
		s.queueLock.Unlock()
		s.matchIndication(s.rootCtxt, next.req)
		s.queueLock.Lock()
	}
}

// supportedProperties the indication properties the provider populated. nil when
// every property of the class is present.
func supportedProperties(indication common.Instance, class common.ClassDef) []string {
	populated := indication.PropertyNames()
	for _, property := range class.Properties {
		if !common.ContainsFold(populated, property) {
			return populated
		}
	}
	return nil
}

// matchIndication deliver the indication to every subscription it satisfies
func (s *serviceImpl) matchIndication(ctx context.Context, req ProcessIndicationRequest) {
	atomic.AddInt64(&s.inflightIndications, 1)
	defer atomic.AddInt64(&s.inflightIndications, -1)

	logTags := common.LogTagsFor(s.LogTags, req.Context)
	className := req.Indication.ClassName
	metrics.GetMetrics().IndicationsReceived.WithLabelValues(className).Inc()

	class, err := s.repo.GetClass(ctx, req.Namespace, className)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Dropping indication of unknown class %s from %s", className, req.Provider,
		)
		return
	}
	supported := supportedProperties(req.Indication, class)

	candidates, keys := s.index.GetMatchingClassNamespaceSubscriptions(
		className, req.Namespace, req.Provider,
	)
	if len(req.SubscriptionPaths) > 0 {
		wanted := map[subscription.SubscriptionKey]bool{}
		for _, path := range req.SubscriptionPaths {
			wanted[subscription.NewSubscriptionKey(path)] = true
		}
		filteredSubs := []common.Subscription{}
		filteredKeys := []subscription.SubscriptionKey{}
		for idx, key := range keys {
			if wanted[key] {
				filteredSubs = append(filteredSubs, candidates[idx])
				filteredKeys = append(filteredKeys, key)
			}
		}
		candidates, keys = filteredSubs, filteredKeys
	}

	matched := []subscription.SubscriptionKey{}
	for idx, sub := range candidates {
		if s.matchSubscription(ctx, req, class, supported, sub) {
			matched = append(matched, keys[idx])
		}
	}

	if len(matched) == 0 {
		metrics.GetMetrics().IndicationsUnmatched.Inc()
		log.WithFields(logTags).Infof(
			"No subscriber for %s indication from %s in %s",
			className, req.Provider, req.Namespace,
		)
		return
	}
	s.index.UpdateMatchedIndicationCounts(req.Provider, matched)
	metrics.GetMetrics().IndicationsMatched.WithLabelValues(className).Add(float64(len(matched)))
}

// matchSubscription evaluate one candidate subscription and deliver on a match. A
// failure affects only this candidate.
func (s *serviceImpl) matchSubscription(
	ctx context.Context,
	req ProcessIndicationRequest,
	class common.ClassDef,
	supported []string,
	sub common.Subscription,
) (matched bool) {
	logTags := common.LogTagsFor(s.LogTags, req.Context)
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logTags).Errorf("Matching against %s panicked: %v", sub.Path(), r)
			matched = false
		}
	}()

	if sub.IsExpired(time.Now().UTC()) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.expireSubscription(s.rootCtxt, sub)
		}()
		return false
	}

	props, err := s.repo.GetFilterProperties(ctx, sub)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Filter of %s unavailable", sub.Path())
		return false
	}
	language := props.QueryLanguage
	if language == "" {
		language = query.LanguageWQL
	}
	expression, err := s.compiler.Compile(props.Query, language, sub.Namespace)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Filter of %s does not compile", sub.Path())
		return false
	}

	if supported != nil {
		for _, property := range expression.WherePropertyNames() {
			if !common.ContainsFold(supported, property) {
				log.WithFields(logTags).Debugf(
					"Indication lacks %s needed by %s", property, sub.Path(),
				)
				return false
			}
		}
	}

	ok, err := expression.Evaluate(req.Indication)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Evaluating filter of %s failed", sub.Path())
		return false
	}
	if !ok {
		return false
	}

	formatted := expression.ApplyProjection(req.Indication, false)
	for name := range formatted.Properties {
		if !class.HasProperty(name) {
			delete(formatted.Properties, name)
		}
	}

	handler, err := s.repo.GetHandlerForSubscription(ctx, sub)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Handler of %s unavailable", sub.Path())
		return false
	}
	if err := s.delivery.Deliver(ctx, common.HandleIndicationRequest{
		MessageID:       common.NewMessageID(),
		Context:         req.Context,
		Handler:         handler,
		Subscription:    sub,
		Indication:      formatted,
		SourceNamespace: req.Namespace,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to forward to %s", handler.Path())
	}
	return true
}

// subscriptionProperties the subscription as indication property values
func subscriptionProperties(sub common.Subscription) map[string]interface{} {
	return map[string]interface{}{
		"Namespace":         sub.Namespace,
		"ClassName":         sub.ClassName,
		"Filter":            sub.Filter.String(),
		"Handler":           sub.Handler.String(),
		"SubscriptionState": int64(sub.State),
		"CreatorName":       sub.CreatorName,
	}
}

// emitLifecycleIndication raise an instance lifecycle indication for a subscription
// through the control provider
func (s *serviceImpl) emitLifecycleIndication(
	className string, sub common.Subscription, previous *common.Subscription,
) {
	if state, _ := s.getState(); state != EnabledStateEnabled {
		return
	}
	indication := common.Instance{
		ClassName: className,
		Properties: map[string]interface{}{
			"SourceInstance":          subscriptionProperties(sub),
			"SourceInstanceModelPath": sub.Path().String(),
			"IndicationTime":          time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	if previous != nil {
		indication.Properties["PreviousInstance"] = subscriptionProperties(*previous)
	}
	req := ProcessIndicationRequest{
		Provider:   ControlProviderID,
		Namespace:  sub.Namespace,
		Indication: indication,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.processIndication(s.rootCtxt, req)
	}()
}
