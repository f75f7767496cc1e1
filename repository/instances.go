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

package repository

import (
	"context"
	"strings"
	"time"

	"github.com/alwitt/indisvc/common"
	"github.com/apex/log"
)

// refNamespace namespace of a reference, defaulting to the referencing instance's own
func refNamespace(ref common.ObjectPath, defaultNamespace string) string {
	if ref.Namespace != "" {
		return ref.Namespace
	}
	return defaultNamespace
}

// refName the Name key of a filter or handler reference
func refName(ref common.ObjectPath) string {
	if kb, ok := ref.KeyValue(common.PropertyName); ok {
		return kb.Value
	}
	return ""
}

// refClass the class of a handler reference
func refClass(ref common.ObjectPath) string {
	if kb, ok := ref.KeyValue(common.PropertyCreationClassName); ok && kb.Value != "" {
		return kb.Value
	}
	return ref.ClassName
}

// validateInstance run struct validation, reporting InvalidParameter on failure
func (r *repositoryImpl) validateInstance(instance interface{}, what string) error {
	if err := r.validate.Struct(instance); err != nil {
		return common.WrapCIMError(common.StatusInvalidParameter, err, "invalid %s", what)
	}
	return nil
}

// ===============================================================================
// Filters

func (r *repositoryImpl) GetFilter(
	ctx context.Context, namespace, name string,
) (common.Filter, error) {
	var filter common.Filter
	err := r.get(ctx, filterKey(namespace, name), &filter, "filter "+name)
	return filter, err
}

func (r *repositoryImpl) EnumerateFilters(
	ctx context.Context, namespace string,
) ([]common.Filter, error) {
	result := []common.Filter{}
	err := r.scan(ctx, namespacePrefix(prefixFilter, namespace), func(_ string, raw []byte) error {
		var filter common.Filter
		if err := filter.Scan(raw); err != nil {
			return err
		}
		result = append(result, filter)
		return nil
	})
	return result, err
}

func (r *repositoryImpl) EnumerateFilterNames(
	ctx context.Context, namespace string,
) ([]common.ObjectPath, error) {
	filters, err := r.EnumerateFilters(ctx, namespace)
	if err != nil {
		return nil, err
	}
	result := make([]common.ObjectPath, 0, len(filters))
	for _, filter := range filters {
		result = append(result, filter.Path())
	}
	return result, nil
}

func (r *repositoryImpl) CreateFilter(ctx context.Context, filter common.Filter) error {
	if err := r.validateInstance(filter, "filter"); err != nil {
		return err
	}
	return r.create(ctx, filterKey(filter.Namespace, filter.Name), filter, "filter "+filter.Name)
}

func (r *repositoryImpl) DeleteFilter(ctx context.Context, namespace, name string) error {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	referenced, err := r.anySubscription(ctx, func(sub common.Subscription) bool {
		return strings.EqualFold(refNamespace(sub.Filter, sub.Namespace), namespace) &&
			refName(sub.Filter) == name
	})
	if err != nil {
		return err
	}
	if referenced {
		return common.NewCIMError(
			common.StatusFailed, "filter %s is referenced by a subscription", name,
		)
	}
	return r.delete(ctx, filterKey(namespace, name), "filter "+name)
}

// ===============================================================================
// Handlers

func (r *repositoryImpl) GetHandler(
	ctx context.Context, namespace, className, name string,
) (common.Handler, error) {
	var handler common.Handler
	err := r.get(ctx, handlerKey(namespace, className, name), &handler, "handler "+name)
	return handler, err
}

func (r *repositoryImpl) EnumerateHandlers(
	ctx context.Context, namespace string,
) ([]common.Handler, error) {
	result := []common.Handler{}
	err := r.scan(ctx, namespacePrefix(prefixHandler, namespace), func(_ string, raw []byte) error {
		var handler common.Handler
		if err := handler.Scan(raw); err != nil {
			return err
		}
		result = append(result, handler)
		return nil
	})
	return result, err
}

func (r *repositoryImpl) EnumerateHandlerNames(
	ctx context.Context, namespace string,
) ([]common.ObjectPath, error) {
	handlers, err := r.EnumerateHandlers(ctx, namespace)
	if err != nil {
		return nil, err
	}
	result := make([]common.ObjectPath, 0, len(handlers))
	for _, handler := range handlers {
		result = append(result, handler.Path())
	}
	return result, nil
}

func (r *repositoryImpl) CreateHandler(ctx context.Context, handler common.Handler) error {
	if err := r.validateInstance(handler, "handler"); err != nil {
		return err
	}
	if handler.PersistenceType == 0 {
		handler.PersistenceType = common.PersistencePermanent
	}
	return r.create(
		ctx,
		handlerKey(handler.Namespace, handler.ClassName, handler.Name),
		handler,
		"handler "+handler.Name,
	)
}

func (r *repositoryImpl) ModifyHandler(ctx context.Context, handler common.Handler) error {
	if err := r.validateInstance(handler, "handler"); err != nil {
		return err
	}
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	key := handlerKey(handler.Namespace, handler.ClassName, handler.Name)
	var existing common.Handler
	if err := r.get(ctx, key, &existing, "handler "+handler.Name); err != nil {
		return err
	}
	if handler.CreatorName == "" {
		handler.CreatorName = existing.CreatorName
	}
	return r.set(ctx, key, handler, "handler "+handler.Name)
}

func (r *repositoryImpl) DeleteHandler(
	ctx context.Context, namespace, className, name string,
) error {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	referenced, err := r.anySubscription(ctx, func(sub common.Subscription) bool {
		return r.referencesHandler(sub, namespace, className, name)
	})
	if err != nil {
		return err
	}
	if referenced {
		return common.NewCIMError(
			common.StatusFailed, "handler %s is referenced by a subscription", name,
		)
	}
	return r.delete(ctx, handlerKey(namespace, className, name), "handler "+name)
}

func (r *repositoryImpl) referencesHandler(
	sub common.Subscription, namespace, className, name string,
) bool {
	return strings.EqualFold(refNamespace(sub.Handler, sub.Namespace), namespace) &&
		strings.EqualFold(refClass(sub.Handler), className) &&
		refName(sub.Handler) == name
}

// ===============================================================================
// Subscriptions

func (r *repositoryImpl) GetSubscription(
	ctx context.Context, path common.ObjectPath,
) (common.Subscription, error) {
	var sub common.Subscription
	err := r.get(ctx, subscriptionKey(path), &sub, "subscription "+path.String())
	return sub, err
}

func (r *repositoryImpl) EnumerateSubscriptions(
	ctx context.Context, namespace string,
) ([]common.Subscription, error) {
	return r.scanSubscriptions(ctx, namespacePrefix(prefixSubscription, namespace))
}

func (r *repositoryImpl) EnumerateSubscriptionNames(
	ctx context.Context, namespace string,
) ([]common.ObjectPath, error) {
	subs, err := r.EnumerateSubscriptions(ctx, namespace)
	if err != nil {
		return nil, err
	}
	result := make([]common.ObjectPath, 0, len(subs))
	for _, sub := range subs {
		result = append(result, sub.Path())
	}
	return result, nil
}

func (r *repositoryImpl) GetAllSubscriptions(ctx context.Context) ([]common.Subscription, error) {
	return r.scanSubscriptions(ctx, prefixSubscription)
}

func (r *repositoryImpl) scanSubscriptions(
	ctx context.Context, prefix string,
) ([]common.Subscription, error) {
	result := []common.Subscription{}
	err := r.scan(ctx, prefix, func(_ string, raw []byte) error {
		var sub common.Subscription
		if err := sub.Scan(raw); err != nil {
			return err
		}
		result = append(result, sub)
		return nil
	})
	return result, err
}

// anySubscription whether any subscription satisfies the predicate. References may cross
// namespaces so every namespace is checked.
func (r *repositoryImpl) anySubscription(
	ctx context.Context, predicate func(common.Subscription) bool,
) (bool, error) {
	subs, err := r.GetAllSubscriptions(ctx)
	if err != nil {
		return false, err
	}
	for _, sub := range subs {
		if predicate(sub) {
			return true, nil
		}
	}
	return false, nil
}

func (r *repositoryImpl) CreateSubscription(ctx context.Context, sub common.Subscription) error {
	if err := r.validateInstance(sub, "subscription"); err != nil {
		return err
	}
	if _, err := r.getFilterOf(ctx, sub); err != nil {
		return err
	}
	if _, err := r.GetHandlerForSubscription(ctx, sub); err != nil {
		return err
	}
	if sub.TimeOfLastStateChange.IsZero() {
		sub.TimeOfLastStateChange = time.Now().UTC()
	}
	return r.create(ctx, subscriptionKey(sub.Path()), sub, "subscription "+sub.Path().String())
}

func (r *repositoryImpl) ModifySubscription(ctx context.Context, sub common.Subscription) error {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	return r.modifySubscription(ctx, sub)
}

func (r *repositoryImpl) modifySubscription(ctx context.Context, sub common.Subscription) error {
	if err := r.validateInstance(sub, "subscription"); err != nil {
		return err
	}
	key := subscriptionKey(sub.Path())
	var existing common.Subscription
	if err := r.get(ctx, key, &existing, "subscription "+sub.Path().String()); err != nil {
		return err
	}
	if existing.State != sub.State {
		sub.TimeOfLastStateChange = time.Now().UTC()
	}
	return r.set(ctx, key, sub, "subscription "+sub.Path().String())
}

func (r *repositoryImpl) DeleteSubscription(ctx context.Context, path common.ObjectPath) error {
	return r.delete(ctx, subscriptionKey(path), "subscription "+path.String())
}

// getFilterOf fetch the filter referenced by a subscription
func (r *repositoryImpl) getFilterOf(
	ctx context.Context, sub common.Subscription,
) (common.Filter, error) {
	return r.GetFilter(ctx, refNamespace(sub.Filter, sub.Namespace), refName(sub.Filter))
}

func (r *repositoryImpl) GetFilterProperties(
	ctx context.Context, sub common.Subscription,
) (FilterProperties, error) {
	filter, err := r.getFilterOf(ctx, sub)
	if err != nil {
		return FilterProperties{}, err
	}
	return FilterProperties{
		Query:            filter.Query,
		QueryLanguage:    filter.QueryLanguage,
		SourceNamespaces: filter.EffectiveSourceNamespaces(),
		FilterName:       filter.Name,
	}, nil
}

func (r *repositoryImpl) GetHandlerForSubscription(
	ctx context.Context, sub common.Subscription,
) (common.Handler, error) {
	return r.GetHandler(
		ctx,
		refNamespace(sub.Handler, sub.Namespace),
		refClass(sub.Handler),
		refName(sub.Handler),
	)
}

// GetActiveSubscriptions list enabled subscriptions. Subscriptions whose filter or
// handler can no longer be read are logged and skipped.
func (r *repositoryImpl) GetActiveSubscriptions(
	ctx context.Context,
) ([]common.Subscription, error) {
	all, err := r.GetAllSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	result := []common.Subscription{}
	for _, sub := range all {
		if !sub.IsActive() {
			continue
		}
		if _, err := r.getFilterOf(ctx, sub); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Skipping corrupted subscription %s", sub.Path(),
			)
			continue
		}
		if _, err := r.GetHandlerForSubscription(ctx, sub); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Skipping corrupted subscription %s", sub.Path(),
			)
			continue
		}
		result = append(result, sub)
	}
	return result, nil
}

func (r *repositoryImpl) IsTransient(
	ctx context.Context, namespace string, handlerPath common.ObjectPath,
) (bool, error) {
	handler, err := r.GetHandler(
		ctx, refNamespace(handlerPath, namespace), refClass(handlerPath), refName(handlerPath),
	)
	if err != nil {
		return false, err
	}
	return handler.IsTransient(), nil
}

func (r *repositoryImpl) DeleteReferencingSubscriptions(
	ctx context.Context, namespace string, handlerPath common.ObjectPath,
) ([]common.Subscription, error) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	all, err := r.GetAllSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	handlerNamespace := refNamespace(handlerPath, namespace)
	deleted := []common.Subscription{}
	for _, sub := range all {
		if !r.referencesHandler(
			sub, handlerNamespace, refClass(handlerPath), refName(handlerPath),
		) {
			continue
		}
		if err := r.delete(ctx, subscriptionKey(sub.Path()), "subscription"); err != nil {
			if common.ErrorCode(err) == common.StatusNotFound {
				continue
			}
			return deleted, err
		}
		deleted = append(deleted, sub)
	}
	return deleted, nil
}

// ReconcileFatalError apply the subscription's fatal error policy. Repeated calls
// for the same subscription are harmless.
func (r *repositoryImpl) ReconcileFatalError(sub common.Subscription) bool {
	timeout := r.callTimeout
	if timeout <= 0 {
		timeout = time.Second * 10
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logTags := log.Fields{}
	for k, v := range r.LogTags {
		logTags[k] = v
	}
	logTags["subscription"] = sub.Path().String()
	logTags["policy"] = sub.OnFatalErrorPolicy.String()

	switch sub.OnFatalErrorPolicy {
	case common.FatalErrorDisable:
		r.writeLock.Lock()
		defer r.writeLock.Unlock()
		current, err := r.GetSubscription(ctx, sub.Path())
		if err != nil {
			if common.ErrorCode(err) == common.StatusNotFound {
				return true
			}
			log.WithError(err).WithFields(logTags).Error("Unable to read subscription")
			return false
		}
		if current.State == common.StateDisabled {
			return true
		}
		current.State = common.StateDisabled
		if err := r.modifySubscription(ctx, current); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to disable subscription")
			return false
		}
		log.WithFields(logTags).Info("Disabled subscription after losing all providers")
		return true

	case common.FatalErrorRemove:
		r.writeLock.Lock()
		defer r.writeLock.Unlock()
		err := r.delete(ctx, subscriptionKey(sub.Path()), "subscription")
		if err != nil && common.ErrorCode(err) != common.StatusNotFound {
			log.WithError(err).WithFields(logTags).Error("Unable to remove subscription")
			return false
		}
		r.cleanupTransientHandler(ctx, sub, logTags)
		log.WithFields(logTags).Info("Removed subscription after losing all providers")
		return true

	default:
		return false
	}
}

// cleanupTransientHandler delete the subscription's handler if it is transient and no
// other subscription references it. Caller holds writeLock.
func (r *repositoryImpl) cleanupTransientHandler(
	ctx context.Context, sub common.Subscription, logTags log.Fields,
) {
	handler, err := r.GetHandlerForSubscription(ctx, sub)
	if err != nil || !handler.IsTransient() {
		return
	}
	referenced, err := r.anySubscription(ctx, func(other common.Subscription) bool {
		return r.referencesHandler(other, handler.Namespace, handler.ClassName, handler.Name)
	})
	if err != nil || referenced {
		return
	}
	if err := r.delete(
		ctx, handlerKey(handler.Namespace, handler.ClassName, handler.Name), "handler",
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to remove transient handler")
	}
}
