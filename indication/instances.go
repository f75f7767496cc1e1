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
	"github.com/alwitt/indisvc/metrics"
	"github.com/alwitt/indisvc/subscription"
	"github.com/apex/log"
)

func pathNamespace(path common.ObjectPath) (string, error) {
	if path.Namespace == "" {
		return "", common.NewCIMError(
			common.StatusInvalidNamespace, "no namespace given for %s", path,
		)
	}
	return path.Namespace, nil
}

func pathName(path common.ObjectPath) string {
	kb, _ := path.KeyValue(common.PropertyName)
	return kb.Value
}

// pathHandlerClass the concrete class of a handler path
func pathHandlerClass(path common.ObjectPath) string {
	if kb, ok := path.KeyValue(common.PropertyCreationClassName); ok && kb.Value != "" {
		return kb.Value
	}
	return path.ClassName
}

// handlerClassMatches whether a handler of class belongs to an enumeration of requested
func handlerClassMatches(requested, class string) bool {
	if strings.EqualFold(requested, classListenerDestination) ||
		strings.EqualFold(requested, classIndicationHandler) {
		return true
	}
	return strings.EqualFold(requested, class)
}

// subscriptionClassMatches whether a subscription of class belongs to an enumeration
// of requested
func subscriptionClassMatches(requested, class string) bool {
	if strings.EqualFold(requested, common.ClassIndicationSubscription) {
		return true
	}
	return strings.EqualFold(requested, class)
}

func invalidClass(className string) error {
	return common.NewCIMError(
		common.StatusInvalidClass, "class %s is not managed by the indication service", className,
	)
}

// ===============================================================================
// Get / Enumerate

func (s *serviceImpl) getInstance(ctx context.Context, req GetInstanceRequest) Response {
	kind := classify(req.Path.ClassName)
	if kind == kindService {
		instance := s.GetServiceInstance()
		return Response{Service: &instance}
	}
	if kind == kindUnknown {
		return errorResponse(invalidClass(req.Path.ClassName))
	}
	if err := s.checkAccess(req.Context); err != nil {
		return errorResponse(err)
	}
	namespace, err := pathNamespace(req.Path)
	if err != nil {
		return errorResponse(err)
	}
	switch kind {
	case kindFilter:
		filter, err := s.repo.GetFilter(ctx, namespace, pathName(req.Path))
		if err != nil {
			return errorResponse(err)
		}
		return Response{Filter: &filter}
	case kindHandler:
		handler, err := s.repo.GetHandler(
			ctx, namespace, pathHandlerClass(req.Path), pathName(req.Path),
		)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Handler: &handler}
	default:
		sub, err := s.repo.GetSubscription(ctx, req.Path)
		if err != nil {
			return errorResponse(err)
		}
		if sub.IsExpired(time.Now().UTC()) {
			s.expireSubscription(ctx, sub)
			return errorResponse(common.NewCIMError(
				common.StatusNotFound, "subscription %s has expired", req.Path,
			))
		}
		return Response{Subscription: &sub}
	}
}

// enumerateSubscriptions list the live subscriptions of a class, expiring stale ones
func (s *serviceImpl) enumerateSubscriptions(
	ctx context.Context, namespace, className string,
) ([]common.Subscription, error) {
	all, err := s.repo.EnumerateSubscriptions(ctx, namespace)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	result := []common.Subscription{}
	for _, sub := range all {
		if !subscriptionClassMatches(className, sub.ClassName) {
			continue
		}
		if sub.IsExpired(now) {
			s.expireSubscription(ctx, sub)
			continue
		}
		result = append(result, sub)
	}
	return result, nil
}

func (s *serviceImpl) enumerateInstances(
	ctx context.Context, req EnumerateInstancesRequest,
) Response {
	kind := classify(req.ClassName)
	if kind == kindService {
		return Response{Services: []ServiceInstance{s.GetServiceInstance()}}
	}
	if kind == kindUnknown {
		return errorResponse(invalidClass(req.ClassName))
	}
	if err := s.checkAccess(req.Context); err != nil {
		return errorResponse(err)
	}
	switch kind {
	case kindFilter:
		filters, err := s.repo.EnumerateFilters(ctx, req.Namespace)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Filters: filters}
	case kindHandler:
		all, err := s.repo.EnumerateHandlers(ctx, req.Namespace)
		if err != nil {
			return errorResponse(err)
		}
		handlers := []common.Handler{}
		for _, handler := range all {
			if handlerClassMatches(req.ClassName, handler.ClassName) {
				handlers = append(handlers, handler)
			}
		}
		return Response{Handlers: handlers}
	default:
		subs, err := s.enumerateSubscriptions(ctx, req.Namespace, req.ClassName)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Subscriptions: subs}
	}
}

func (s *serviceImpl) enumerateInstanceNames(
	ctx context.Context, req EnumerateInstanceNamesRequest,
) Response {
	kind := classify(req.ClassName)
	if kind == kindService {
		return Response{Names: []common.ObjectPath{s.GetServiceInstance().Path()}}
	}
	if kind == kindUnknown {
		return errorResponse(invalidClass(req.ClassName))
	}
	if err := s.checkAccess(req.Context); err != nil {
		return errorResponse(err)
	}
	switch kind {
	case kindFilter:
		names, err := s.repo.EnumerateFilterNames(ctx, req.Namespace)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Names: names}
	case kindHandler:
		all, err := s.repo.EnumerateHandlerNames(ctx, req.Namespace)
		if err != nil {
			return errorResponse(err)
		}
		names := []common.ObjectPath{}
		for _, name := range all {
			if handlerClassMatches(req.ClassName, name.ClassName) {
				names = append(names, name)
			}
		}
		return Response{Names: names}
	default:
		subs, err := s.enumerateSubscriptions(ctx, req.Namespace, req.ClassName)
		if err != nil {
			return errorResponse(err)
		}
		names := make([]common.ObjectPath, 0, len(subs))
		for _, sub := range subs {
			names = append(names, sub.Path())
		}
		return Response{Names: names}
	}
}

// ===============================================================================
// Create

func (s *serviceImpl) createInstance(
	ctx context.Context, req CreateInstanceRequest, respond func(Response),
) {
	set := 0
	for _, present := range []bool{req.Filter != nil, req.Handler != nil, req.Subscription != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		respond(errorResponse(common.NewCIMError(
			common.StatusInvalidParameter, "exactly one instance must be given",
		)))
		return
	}
	switch {
	case req.Filter != nil:
		filter := *req.Filter
		if err := s.prepareFilter(ctx, req.Context, &filter); err != nil {
			respond(errorResponse(err))
			return
		}
		if err := s.repo.CreateFilter(ctx, filter); err != nil {
			respond(errorResponse(err))
			return
		}
		path := filter.Path()
		respond(Response{Path: &path})
	case req.Handler != nil:
		handler := *req.Handler
		if err := s.prepareHandler(req.Context, &handler); err != nil {
			respond(errorResponse(err))
			return
		}
		if err := s.repo.CreateHandler(ctx, handler); err != nil {
			respond(errorResponse(err))
			return
		}
		path := handler.Path()
		respond(Response{Path: &path})
	default:
		s.createSubscription(ctx, req, respond)
	}
}

// createSubscription run the creation protocol for a new subscription. The response
// is sent once the providers replied and the subscription is persisted.
func (s *serviceImpl) createSubscription(
	ctx context.Context, req CreateInstanceRequest, respond func(Response),
) {
	sub := *req.Subscription
	if err := s.prepareSubscription(ctx, req.Context, &sub); err != nil {
		respond(errorResponse(err))
		return
	}
	path := sub.Path()
	logTags := common.LogTagsFor(s.LogTags, req.Context)

	guard, err := s.repo.BeginCreateSubscription(path)
	if err != nil {
		respond(errorResponse(err))
		return
	}
	metrics.GetMetrics().PendingCreateRequests.Inc()
	finished := false
	finishGuard := func(commit bool) {
		if finished {
			return
		}
		finished = true
		if commit {
			guard.Commit()
		} else {
			guard.Release()
		}
		metrics.GetMetrics().PendingCreateRequests.Dec()
	}

	release, err := s.locks.acquire(ctx, guard.Key())
	if err != nil {
		finishGuard(false)
		s.flushQueuedIndications()
		respond(errorResponse(err))
		return
	}

	handedOff := false
	defer func() {
		if !handedOff {
			finishGuard(false)
			release()
			s.flushQueuedIndications()
		}
	}()

	if !sub.IsActive() {
		if err := s.repo.CreateSubscription(ctx, sub); err != nil {
			respond(errorResponse(err))
			return
		}
		finishGuard(true)
		metrics.GetMetrics().SubscriptionsCreated.Inc()
		log.WithFields(logTags).Infof("Created disabled subscription %s", path)
		respond(Response{Path: &path})
		return
	}

	plan, err := s.planSubscription(ctx, sub)
	if err != nil {
		respond(errorResponse(err))
		return
	}
	if len(plan.providers) == 0 {
		respond(errorResponse(common.WrapCIMError(
			common.StatusNotSupported, common.ErrNoProvider,
			"no provider serves %s", plan.expression.ClassName(),
		)))
		return
	}

	handedOff = true
	s.sendCreates(ctx, sub, plan, req.Context, req, true, func(accepted []common.ProviderClassList) {
		defer func() {
			finishGuard(false)
			release()
			s.flushQueuedIndications()
		}()
		if len(accepted) == 0 {
			respond(errorResponse(common.WrapCIMError(
				common.StatusNotSupported, common.ErrNoProvider,
				"no provider accepted subscription %s", path,
			)))
			return
		}
		if state, _ := s.getState(); state != EnabledStateEnabled {
			s.rollbackProviders(sub, accepted, req.Context)
			respond(errorResponse(common.NewCIMError(
				common.StatusServerShutdown, "indication service became %s while creating %s",
				state, path,
			)))
			return
		}
		if err := s.repo.CreateSubscription(s.rootCtxt, sub); err != nil {
			s.rollbackProviders(sub, accepted, req.Context)
			respond(errorResponse(err))
			return
		}
		s.indexSubscription(sub, accepted, plan)
		finishGuard(true)
		metrics.GetMetrics().SubscriptionsCreated.Inc()
		log.WithFields(logTags).Infof(
			"Created subscription %s served by %d providers", path, len(accepted),
		)
		respond(Response{Path: &path})
		s.emitLifecycleIndication(classInstCreation, sub, nil)
	})
}

// ===============================================================================
// Modify

func (s *serviceImpl) modifyInstance(
	ctx context.Context, req ModifyInstanceRequest, respond func(Response),
) {
	switch {
	case req.Handler != nil && req.Subscription == nil:
		respond(s.modifyHandler(ctx, req))
	case req.Subscription != nil && req.Handler == nil:
		s.modifySubscription(ctx, req, respond)
	default:
		respond(errorResponse(common.NewCIMError(
			common.StatusInvalidParameter, "exactly one handler or subscription must be given",
		)))
	}
}

func (s *serviceImpl) modifyHandler(ctx context.Context, req ModifyInstanceRequest) Response {
	updated := *req.Handler
	existing, err := s.repo.GetHandler(ctx, updated.Namespace, updated.ClassName, updated.Name)
	if err != nil {
		return errorResponse(err)
	}
	if err := s.checkOwner(req.Context, existing.CreatorName); err != nil {
		return errorResponse(err)
	}
	if updated.PersistenceType == 0 {
		updated.PersistenceType = existing.PersistenceType
	}
	if updated.PersistenceType != common.PersistencePermanent &&
		updated.PersistenceType != common.PersistenceTransient {
		return errorResponse(common.NewCIMError(
			common.StatusNotSupported,
			"handler persistence type %d is not supported", updated.PersistenceType,
		))
	}
	updated.CreatorName = existing.CreatorName
	if err := s.validateStruct(&updated, "handler"); err != nil {
		return errorResponse(err)
	}
	if err := s.repo.ModifyHandler(ctx, updated); err != nil {
		return errorResponse(err)
	}
	return Response{Handler: &updated}
}

// modifySubscription change the state or duration of a subscription
func (s *serviceImpl) modifySubscription(
	ctx context.Context, req ModifyInstanceRequest, respond func(Response),
) {
	requested := *req.Subscription
	if requested.ClassName == "" {
		requested.ClassName = common.ClassIndicationSubscription
	}
	path := requested.Path()
	logTags := common.LogTagsFor(s.LogTags, req.Context)

	release, err := s.locks.acquire(ctx, subscription.NewSubscriptionKey(path))
	if err != nil {
		respond(errorResponse(err))
		return
	}
	handedOff := false
	defer func() {
		if !handedOff {
			release()
		}
	}()

	existing, err := s.repo.GetSubscription(ctx, path)
	if err != nil {
		respond(errorResponse(err))
		return
	}
	if err := s.checkOwner(req.Context, existing.CreatorName); err != nil {
		respond(errorResponse(err))
		return
	}
	now := time.Now().UTC()
	if existing.IsExpired(now) {
		s.dropExpiredSubscription(ctx, existing)
		handedOff = true
		s.deactivateSubscription(existing, req.Context, nil, release)
		respond(errorResponse(common.NewCIMError(
			common.StatusFailed, "subscription %s has expired", path,
		)))
		return
	}
	if (requested.RepeatNotificationPolicy != common.RepeatUnknown &&
		requested.RepeatNotificationPolicy != existing.RepeatNotificationPolicy) ||
		(requested.OnFatalErrorPolicy != common.FatalErrorUnknown &&
			requested.OnFatalErrorPolicy != existing.OnFatalErrorPolicy) {
		respond(errorResponse(common.NewCIMError(
			common.StatusNotSupported,
			"only the state and duration of subscription %s may change", path,
		)))
		return
	}

	updated := existing
	if requested.Duration != nil {
		duration := *requested.Duration
		updated.Duration = &duration
		updated.StartTime = &now
	}
	if requested.State != common.StateUnknown && requested.State != existing.State {
		if err := checkSubscriptionState(requested.State); err != nil {
			respond(errorResponse(err))
			return
		}
		updated.State = requested.State
		updated.TimeOfLastStateChange = now
	}

	switch {
	case existing.IsActive() && updated.IsActive(), !existing.IsActive() && !updated.IsActive():
		if err := s.repo.ModifySubscription(ctx, updated); err != nil {
			respond(errorResponse(err))
			return
		}
		s.index.ReplaceSubscription(updated)
		respond(Response{Subscription: &updated})

	case existing.IsActive():
		// Disabling
		if err := s.repo.ModifySubscription(ctx, updated); err != nil {
			respond(errorResponse(err))
			return
		}
		handedOff = true
		s.deactivateSubscription(updated, req.Context, req, release)
		log.WithFields(logTags).Infof("Disabled subscription %s", path)
		respond(Response{Subscription: &updated})
		s.emitLifecycleIndication(classInstModification, updated, &existing)

	default:
		// Enabling
		plan, err := s.planSubscription(ctx, updated)
		if err != nil {
			respond(errorResponse(err))
			return
		}
		if len(plan.providers) == 0 {
			respond(errorResponse(common.WrapCIMError(
				common.StatusNotSupported, common.ErrNoProvider,
				"no provider serves %s", plan.expression.ClassName(),
			)))
			return
		}
		handedOff = true
		s.sendCreates(
			ctx, updated, plan, req.Context, req, true,
			func(accepted []common.ProviderClassList) {
				defer release()
				if len(accepted) == 0 {
					respond(errorResponse(common.WrapCIMError(
						common.StatusNotSupported, common.ErrNoProvider,
						"no provider accepted subscription %s", path,
					)))
					return
				}
				if err := s.repo.ModifySubscription(s.rootCtxt, updated); err != nil {
					s.rollbackProviders(updated, accepted, req.Context)
					respond(errorResponse(err))
					return
				}
				s.indexSubscription(updated, accepted, plan)
				log.WithFields(logTags).Infof(
					"Enabled subscription %s served by %d providers", path, len(accepted),
				)
				respond(Response{Subscription: &updated})
				s.emitLifecycleIndication(classInstModification, updated, &existing)
			},
		)
	}
}

// ===============================================================================
// Delete

func (s *serviceImpl) deleteInstance(
	ctx context.Context, req DeleteInstanceRequest, respond func(Response),
) {
	kind := classify(req.Path.ClassName)
	if kind == kindUnknown || kind == kindService {
		respond(errorResponse(invalidClass(req.Path.ClassName)))
		return
	}
	namespace, err := pathNamespace(req.Path)
	if err != nil {
		respond(errorResponse(err))
		return
	}
	switch kind {
	case kindFilter:
		respond(s.deleteFilter(ctx, req, namespace))
	case kindHandler:
		respond(s.deleteHandler(ctx, req, namespace))
	default:
		s.deleteSubscription(ctx, req, respond)
	}
}

func (s *serviceImpl) deleteFilter(
	ctx context.Context, req DeleteInstanceRequest, namespace string,
) Response {
	existing, err := s.repo.GetFilter(ctx, namespace, pathName(req.Path))
	if err != nil {
		return errorResponse(err)
	}
	if err := s.checkOwner(req.Context, existing.CreatorName); err != nil {
		return errorResponse(err)
	}
	if err := s.repo.DeleteFilter(ctx, namespace, existing.Name); err != nil {
		return errorResponse(err)
	}
	return Response{}
}

// deleteHandler delete a handler. Deleting a transient handler first deletes every
// subscription referencing it.
func (s *serviceImpl) deleteHandler(
	ctx context.Context, req DeleteInstanceRequest, namespace string,
) Response {
	existing, err := s.repo.GetHandler(
		ctx, namespace, pathHandlerClass(req.Path), pathName(req.Path),
	)
	if err != nil {
		return errorResponse(err)
	}
	if err := s.checkOwner(req.Context, existing.CreatorName); err != nil {
		return errorResponse(err)
	}
	if existing.IsTransient() {
		// Subscriptions gone from the repository must also leave the index, even when the
		// cascade stops part way.
		deleted, cascadeErr := s.repo.DeleteReferencingSubscriptions(
			ctx, namespace, existing.Path(),
		)
		for _, sub := range deleted {
			release, err := s.locks.acquire(ctx, subscription.KeyOf(sub))
			if err != nil {
				log.WithError(err).WithFields(common.LogTagsFor(s.LogTags, req.Context)).Errorf(
					"Removing %s of transient handler %s without its identity lock",
					sub.Path(), existing.Path(),
				)
				if cascadeErr == nil {
					cascadeErr = err
				}
				release = func() {}
			}
			metrics.GetMetrics().SubscriptionsDeleted.WithLabelValues("transient_handler").Inc()
			s.deactivateSubscription(sub, req.Context, nil, release)
			s.emitLifecycleIndication(classInstDeletion, sub, nil)
		}
		if cascadeErr != nil {
			return errorResponse(cascadeErr)
		}
	}
	if err := s.repo.DeleteHandler(
		ctx, namespace, existing.ClassName, existing.Name,
	); err != nil {
		return errorResponse(err)
	}
	return Response{}
}

// deleteSubscription run the deletion protocol for a client delete. The response is
// sent once every provider replied.
func (s *serviceImpl) deleteSubscription(
	ctx context.Context, req DeleteInstanceRequest, respond func(Response),
) {
	release, err := s.locks.acquire(ctx, subscription.NewSubscriptionKey(req.Path))
	if err != nil {
		respond(errorResponse(err))
		return
	}
	existing, err := s.repo.GetSubscription(ctx, req.Path)
	if err != nil {
		release()
		respond(errorResponse(err))
		return
	}
	if err := s.checkOwner(req.Context, existing.CreatorName); err != nil {
		release()
		respond(errorResponse(err))
		return
	}
	if err := s.repo.DeleteSubscription(ctx, req.Path); err != nil {
		release()
		respond(errorResponse(err))
		return
	}
	metrics.GetMetrics().SubscriptionsDeleted.WithLabelValues("client").Inc()
	log.WithFields(common.LogTagsFor(s.LogTags, req.Context)).Infof(
		"Deleted subscription %s", req.Path,
	)
	s.deactivateSubscription(existing, req.Context, req, func() {
		release()
		respond(Response{})
	})
	s.emitLifecycleIndication(classInstDeletion, existing, nil)
}
