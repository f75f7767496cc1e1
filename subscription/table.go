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

package subscription

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/alwitt/indisvc/common"
	"github.com/apex/log"
)

// ErrDuplicateSubscription the subscription is already present in the index
var ErrDuplicateSubscription = errors.New("subscription already present in index")

// ActiveSubscriptionsEntry an enabled subscription and the providers currently serving it
type ActiveSubscriptionsEntry struct {
	// Subscription is the cached copy of the subscription
	Subscription common.Subscription `json:"subscription"`
	// Providers are the providers serving the subscription. Empty when the subscription
	// lost its providers but its fatal error policy retained it.
	Providers []common.ProviderClassList `json:"providers"`
}

// clone deep copy of the entry
func (e ActiveSubscriptionsEntry) clone() ActiveSubscriptionsEntry {
	result := ActiveSubscriptionsEntry{
		Subscription: e.Subscription,
		Providers:    make([]common.ProviderClassList, len(e.Providers)),
	}
	for idx, provider := range e.Providers {
		result.Providers[idx] = provider.Clone()
	}
	return result
}

// providerIndex position of the provider in the entry. When namespace is not empty, the
// provider must also serve that namespace.
func (e ActiveSubscriptionsEntry) providerIndex(provider common.ProviderID, namespace string) int {
	for idx, candidate := range e.Providers {
		if !candidate.Provider.Equal(provider) {
			continue
		}
		if namespace == "" {
			return idx
		}
		for _, nsClasses := range candidate.Classes {
			if strings.EqualFold(nsClasses.Namespace, namespace) {
				return idx
			}
		}
	}
	return -1
}

// HasProvider whether the provider serves the subscription
func (e ActiveSubscriptionsEntry) HasProvider(provider common.ProviderID) bool {
	return e.providerIndex(provider, "") >= 0
}

// SubscriptionClassesEntry the subscriptions interested in one indication class within
// one source namespace
type SubscriptionClassesEntry struct {
	// ClassName is the indication class
	ClassName string `json:"class_name"`
	// Namespace is the source namespace
	Namespace string `json:"namespace"`
	// Subscriptions are the interested subscriptions
	Subscriptions []common.Subscription `json:"subscriptions"`
}

// MatchedSubscription a subscription found for a source namespace
type MatchedSubscription struct {
	// Namespace is the source namespace the subscription matched in
	Namespace string
	// Subscription is the matched subscription
	Subscription common.Subscription
}

// FatalErrorReconciler applies the fatal error policy of a subscription which lost all of
// its providers. Returns true if the subscription was disabled or removed.
type FatalErrorReconciler func(sub common.Subscription) bool

// SubscriptionIndex two-way in-memory index of the active subscriptions
type SubscriptionIndex interface {
	// GetEntry fetch the entry of a subscription
	GetEntry(key SubscriptionKey) (ActiveSubscriptionsEntry, bool)
	// InsertSubscription add a subscription served by the given providers.
	// subclasses lists the indication classes the subscription covers per source namespace.
	InsertSubscription(
		sub common.Subscription,
		providers []common.ProviderClassList,
		subclasses []common.NamespaceClassList,
	) error
	// RemoveSubscription remove a subscription from the index. When subclasses is nil
	// every class entry is searched.
	RemoveSubscription(
		sub common.Subscription,
		subclasses []common.NamespaceClassList,
		providers []common.ProviderClassList,
	)
	// ReplaceSubscription refresh the cached copy of an indexed subscription. Returns
	// false if the subscription is not indexed.
	ReplaceSubscription(sub common.Subscription) bool
	// UpdateProviders add or remove one provider of a subscription
	UpdateProviders(key SubscriptionKey, provider common.ProviderClassList, add bool)
	// UpdateClasses toggle one class served by a provider for a subscription
	UpdateClasses(key SubscriptionKey, provider common.ProviderID, namespace, className string)
	// GetMatchingSubscriptions fetch the subscriptions interested in a class, over a set
	// of source namespaces. When provider is not nil, only subscriptions already served by
	// that provider are returned.
	GetMatchingSubscriptions(
		className string, namespaces []string, provider *common.ProviderID,
	) []MatchedSubscription
	// GetMatchingClassNamespaceSubscriptions fetch the subscriptions interested in a class
	// within one namespace which are served by the provider
	GetMatchingClassNamespaceSubscriptions(
		className, namespace string, provider common.ProviderID,
	) ([]common.Subscription, []SubscriptionKey)
	// ReflectProviderDisable remove a disabled provider from all subscriptions. Returns
	// the subscriptions which the provider served.
	ReflectProviderDisable(provider common.ProviderID) []common.Subscription
	// ReflectProviderModuleFailure remove the providers of a failed module from all
	// subscriptions. Returns the affected subscriptions, each with only the failed providers.
	ReflectProviderModuleFailure(
		moduleName, userName string, authEnabled bool,
	) []ActiveSubscriptionsEntry
	// GetAllActiveSubscriptionEntries fetch every entry
	GetAllActiveSubscriptionEntries() []ActiveSubscriptionsEntry
	// UpdateMatchedIndicationCounts increment the matched indication count of a provider
	// for each of the subscriptions
	UpdateMatchedIndicationCounts(provider common.ProviderID, keys []SubscriptionKey)
	// Len number of active subscriptions
	Len() int
	// Clear empty the index
	Clear()
}

// subscriptionIndexImpl implements SubscriptionIndex
//
// Lock order is always bySubscriptionLock then byClassLock. Writers which touch both
// tables hold the by-subscription lock until the by-class update is done, so a
// subscription never lingers in the by-class table after its entry is gone.
type subscriptionIndexImpl struct {
	common.Component
	reconciler FatalErrorReconciler

	bySubscriptionLock sync.RWMutex
	bySubscription     map[SubscriptionKey]ActiveSubscriptionsEntry

	byClassLock sync.RWMutex
	byClass     map[string]SubscriptionClassesEntry
}

// DefineSubscriptionIndex create a new subscription index
func DefineSubscriptionIndex(reconciler FatalErrorReconciler) (SubscriptionIndex, error) {
	if reconciler == nil {
		return nil, fmt.Errorf("subscription index requires a fatal error reconciler")
	}
	logTags := log.Fields{
		"module": "subscription", "component": "index",
	}
	return &subscriptionIndexImpl{
		Component:      common.Component{LogTags: logTags},
		reconciler:     reconciler,
		bySubscription: make(map[SubscriptionKey]ActiveSubscriptionsEntry),
		byClass:        make(map[string]SubscriptionClassesEntry),
	}, nil
}

// classesKey key of the by-class table
func classesKey(className, namespace string) string {
	return fmt.Sprintf("%s:%s", strings.ToLower(className), strings.ToLower(namespace))
}

// GetEntry fetch the entry of a subscription
func (t *subscriptionIndexImpl) GetEntry(key SubscriptionKey) (ActiveSubscriptionsEntry, bool) {
	t.bySubscriptionLock.RLock()
	defer t.bySubscriptionLock.RUnlock()
	entry, ok := t.bySubscription[key]
	if !ok {
		return ActiveSubscriptionsEntry{}, false
	}
	return entry.clone(), true
}

// InsertSubscription add a subscription served by the given providers
func (t *subscriptionIndexImpl) InsertSubscription(
	sub common.Subscription,
	providers []common.ProviderClassList,
	subclasses []common.NamespaceClassList,
) error {
	key := KeyOf(sub)
	t.bySubscriptionLock.Lock()
	defer t.bySubscriptionLock.Unlock()
	if _, ok := t.bySubscription[key]; ok {
		log.WithFields(t.LogTags).Errorf("Subscription %s is already in the index", key)
		return ErrDuplicateSubscription
	}
	t.bySubscription[key] = ActiveSubscriptionsEntry{
		Subscription: sub, Providers: providers,
	}.clone()

	t.byClassLock.Lock()
	defer t.byClassLock.Unlock()
	for _, nsClasses := range subclasses {
		for _, className := range nsClasses.ClassNames {
			classKey := classesKey(className, nsClasses.Namespace)
			entry, ok := t.byClass[classKey]
			if !ok {
				entry = SubscriptionClassesEntry{
					ClassName: className, Namespace: nsClasses.Namespace,
				}
			}
			entry.Subscriptions = append(
				spliceSubscription(entry.Subscriptions, key), sub,
			)
			t.byClass[classKey] = entry
		}
	}
	log.WithFields(t.LogTags).Debugf(
		"Inserted subscription %s with %d providers", key, len(providers),
	)
	return nil
}

// spliceSubscription copy of the list without the subscription
func spliceSubscription(subs []common.Subscription, key SubscriptionKey) []common.Subscription {
	result := make([]common.Subscription, 0, len(subs))
	for _, sub := range subs {
		if KeyOf(sub) != key {
			result = append(result, sub)
		}
	}
	return result
}

// RemoveSubscription remove a subscription from the index
func (t *subscriptionIndexImpl) RemoveSubscription(
	sub common.Subscription,
	subclasses []common.NamespaceClassList,
	providers []common.ProviderClassList,
) {
	key := KeyOf(sub)
	t.bySubscriptionLock.Lock()
	defer t.bySubscriptionLock.Unlock()
	delete(t.bySubscription, key)

	t.byClassLock.Lock()
	defer t.byClassLock.Unlock()
	if subclasses == nil {
		t.purgeFromClasses(key)
	}
	for _, nsClasses := range subclasses {
		for _, className := range nsClasses.ClassNames {
			classKey := classesKey(className, nsClasses.Namespace)
			entry, ok := t.byClass[classKey]
			if !ok {
				log.WithFields(t.LogTags).Debugf(
					"Class entry %s not found while removing %s", classKey, key,
				)
				continue
			}
			entry.Subscriptions = spliceSubscription(entry.Subscriptions, key)
			if len(entry.Subscriptions) == 0 {
				delete(t.byClass, classKey)
			} else {
				t.byClass[classKey] = entry
			}
		}
	}
	log.WithFields(t.LogTags).Debugf(
		"Removed subscription %s previously served by %d providers", key, len(providers),
	)
}

// purgeFromClasses remove the subscription from every class entry
//
// Caller must hold the byClassLock write lock.
func (t *subscriptionIndexImpl) purgeFromClasses(key SubscriptionKey) {
	for classKey, entry := range t.byClass {
		remaining := spliceSubscription(entry.Subscriptions, key)
		if len(remaining) == len(entry.Subscriptions) {
			continue
		}
		if len(remaining) == 0 {
			delete(t.byClass, classKey)
		} else {
			entry.Subscriptions = remaining
			t.byClass[classKey] = entry
		}
	}
}

// ReplaceSubscription refresh the cached copy of an indexed subscription
func (t *subscriptionIndexImpl) ReplaceSubscription(sub common.Subscription) bool {
	key := KeyOf(sub)
	t.bySubscriptionLock.Lock()
	defer t.bySubscriptionLock.Unlock()
	entry, ok := t.bySubscription[key]
	if !ok {
		return false
	}
	entry.Subscription = sub
	t.bySubscription[key] = entry

	t.byClassLock.Lock()
	defer t.byClassLock.Unlock()
	for classKey, classEntry := range t.byClass {
		for idx, existing := range classEntry.Subscriptions {
			if KeyOf(existing) == key {
				updated := append([]common.Subscription{}, classEntry.Subscriptions...)
				updated[idx] = sub
				classEntry.Subscriptions = updated
				t.byClass[classKey] = classEntry
				break
			}
		}
	}
	return true
}

// UpdateProviders add or remove one provider of a subscription
func (t *subscriptionIndexImpl) UpdateProviders(
	key SubscriptionKey, provider common.ProviderClassList, add bool,
) {
	t.bySubscriptionLock.Lock()
	defer t.bySubscriptionLock.Unlock()
	entry, ok := t.bySubscription[key]
	if !ok {
		log.WithFields(t.LogTags).Warnf("Subscription %s not found in index", key)
		return
	}
	entry = entry.clone()
	idx := entry.providerIndex(provider.Provider, "")
	if add {
		if idx >= 0 {
			log.WithFields(t.LogTags).Warnf(
				"Provider %s already serving subscription %s", provider.Provider, key,
			)
			return
		}
		entry.Providers = append(entry.Providers, provider.Clone())
	} else {
		if idx < 0 {
			log.WithFields(t.LogTags).Warnf(
				"Provider %s not serving subscription %s", provider.Provider, key,
			)
			return
		}
		entry.Providers = append(entry.Providers[:idx], entry.Providers[idx+1:]...)
	}
	t.bySubscription[key] = entry
}

// UpdateClasses toggle one class served by a provider for a subscription
func (t *subscriptionIndexImpl) UpdateClasses(
	key SubscriptionKey, provider common.ProviderID, namespace, className string,
) {
	t.bySubscriptionLock.Lock()
	defer t.bySubscriptionLock.Unlock()
	entry, ok := t.bySubscription[key]
	if !ok {
		log.WithFields(t.LogTags).Warnf("Subscription %s not found in index", key)
		return
	}
	entry = entry.clone()
	idx := entry.providerIndex(provider, "")
	if idx < 0 {
		log.WithFields(t.LogTags).Warnf(
			"Provider %s not serving subscription %s", provider, key,
		)
		return
	}
	served := &entry.Providers[idx]
	found := false
	for nsIdx, nsClasses := range served.Classes {
		if !strings.EqualFold(nsClasses.Namespace, namespace) {
			continue
		}
		found = true
		remaining := make([]string, 0, len(nsClasses.ClassNames))
		for _, existing := range nsClasses.ClassNames {
			if !strings.EqualFold(existing, className) {
				remaining = append(remaining, existing)
			}
		}
		if len(remaining) == len(nsClasses.ClassNames) {
			remaining = append(remaining, className)
		}
		if len(remaining) == 0 {
			served.Classes = append(served.Classes[:nsIdx], served.Classes[nsIdx+1:]...)
		} else {
			served.Classes[nsIdx].ClassNames = remaining
		}
		break
	}
	if !found {
		served.Classes = append(served.Classes, common.NamespaceClassList{
			Namespace: namespace, ClassNames: []string{className},
		})
	}
	t.bySubscription[key] = entry
}

// GetMatchingSubscriptions fetch the subscriptions interested in a class over namespaces
func (t *subscriptionIndexImpl) GetMatchingSubscriptions(
	className string, namespaces []string, provider *common.ProviderID,
) []MatchedSubscription {
	result := []MatchedSubscription{}
	for _, namespace := range namespaces {
		t.byClassLock.RLock()
		entry, ok := t.byClass[classesKey(className, namespace)]
		var subs []common.Subscription
		if ok {
			subs = append(subs, entry.Subscriptions...)
		}
		t.byClassLock.RUnlock()
		for _, sub := range subs {
			if provider != nil {
				active, ok := t.GetEntry(KeyOf(sub))
				if !ok || active.providerIndex(*provider, "") < 0 {
					continue
				}
			}
			result = append(result, MatchedSubscription{Namespace: namespace, Subscription: sub})
		}
	}
	return result
}

// GetMatchingClassNamespaceSubscriptions fetch the subscriptions interested in a class
// within one namespace which are served by the provider
func (t *subscriptionIndexImpl) GetMatchingClassNamespaceSubscriptions(
	className, namespace string, provider common.ProviderID,
) ([]common.Subscription, []SubscriptionKey) {
	t.byClassLock.RLock()
	entry, ok := t.byClass[classesKey(className, namespace)]
	var subs []common.Subscription
	if ok {
		subs = append(subs, entry.Subscriptions...)
	}
	t.byClassLock.RUnlock()

	matched := []common.Subscription{}
	keys := []SubscriptionKey{}
	t.bySubscriptionLock.RLock()
	defer t.bySubscriptionLock.RUnlock()
	for _, sub := range subs {
		key := KeyOf(sub)
		active, ok := t.bySubscription[key]
		if !ok {
			continue
		}
		if active.providerIndex(provider, namespace) >= 0 {
			matched = append(matched, sub)
			keys = append(keys, key)
		}
	}
	return matched, keys
}

// updateSubscriptionProviders replace the provider list of an entry. When no provider
// remains, the fatal error policy is applied; if it disabled or removed the subscription,
// the subscription is purged from both tables.
//
// Caller must hold the bySubscriptionLock write lock.
func (t *subscriptionIndexImpl) updateSubscriptionProviders(
	key SubscriptionKey, sub common.Subscription, providers []common.ProviderClassList,
) {
	if len(providers) > 0 {
		t.bySubscription[key] = ActiveSubscriptionsEntry{Subscription: sub, Providers: providers}
		return
	}
	removedOrDisabled := t.reconciler(sub)
	if !removedOrDisabled {
		log.WithFields(t.LogTags).Infof(
			"Subscription %s retained without providers by its fatal error policy", key,
		)
		t.bySubscription[key] = ActiveSubscriptionsEntry{
			Subscription: sub, Providers: []common.ProviderClassList{},
		}
		return
	}
	delete(t.bySubscription, key)

	t.byClassLock.Lock()
	defer t.byClassLock.Unlock()
	t.purgeFromClasses(key)
	log.WithFields(t.LogTags).Infof(
		"Subscription %s purged after losing all providers", key,
	)
}

// ReflectProviderDisable remove a disabled provider from all subscriptions
func (t *subscriptionIndexImpl) ReflectProviderDisable(
	provider common.ProviderID,
) []common.Subscription {
	t.bySubscriptionLock.Lock()
	defer t.bySubscriptionLock.Unlock()

	affected := []SubscriptionKey{}
	result := []common.Subscription{}
	for key, entry := range t.bySubscription {
		if entry.HasProvider(provider) {
			affected = append(affected, key)
			result = append(result, entry.Subscription)
		}
	}

	for _, key := range affected {
		entry := t.bySubscription[key].clone()
		idx := entry.providerIndex(provider, "")
		remaining := append(entry.Providers[:idx], entry.Providers[idx+1:]...)
		t.updateSubscriptionProviders(key, entry.Subscription, remaining)
	}

	log.WithFields(t.LogTags).Debugf(
		"Provider %s disabled, %d subscriptions affected", provider, len(result),
	)
	return result
}

// ReflectProviderModuleFailure remove the providers of a failed module from all
// subscriptions.
//
// When authentication is enabled and the module runs in the requestor's context, only
// subscriptions created by userName are affected.
func (t *subscriptionIndexImpl) ReflectProviderModuleFailure(
	moduleName, userName string, authEnabled bool,
) []ActiveSubscriptionsEntry {
	t.bySubscriptionLock.Lock()
	defer t.bySubscriptionLock.Unlock()

	type affectedEntry struct {
		key       SubscriptionKey
		entry     ActiveSubscriptionsEntry
		remaining []common.ProviderClassList
	}
	affected := []affectedEntry{}
	for key, entry := range t.bySubscription {
		failed := []common.ProviderClassList{}
		remaining := []common.ProviderClassList{}
		for _, provider := range entry.Providers {
			if !strings.EqualFold(provider.Provider.Module, moduleName) {
				remaining = append(remaining, provider.Clone())
				continue
			}
			if provider.SecurityContext != common.SecurityContextRequestor ||
				!authEnabled ||
				entry.Subscription.CreatorName == userName {
				failed = append(failed, provider.Clone())
			} else {
				remaining = append(remaining, provider.Clone())
			}
		}
		if len(failed) > 0 {
			affected = append(affected, affectedEntry{
				key:       key,
				entry:     ActiveSubscriptionsEntry{Subscription: entry.Subscription, Providers: failed},
				remaining: remaining,
			})
		}
	}

	// Apply in a stable order so reconciliation side effects are deterministic
	sort.Slice(affected, func(i, j int) bool {
		return affected[i].key.String() < affected[j].key.String()
	})
	result := make([]ActiveSubscriptionsEntry, 0, len(affected))
	for _, oneAffected := range affected {
		t.updateSubscriptionProviders(
			oneAffected.key, oneAffected.entry.Subscription, oneAffected.remaining,
		)
		result = append(result, oneAffected.entry)
	}

	log.WithFields(t.LogTags).Debugf(
		"Provider module %s failed, %d subscriptions affected", moduleName, len(result),
	)
	return result
}

// GetAllActiveSubscriptionEntries fetch every entry
func (t *subscriptionIndexImpl) GetAllActiveSubscriptionEntries() []ActiveSubscriptionsEntry {
	t.bySubscriptionLock.RLock()
	defer t.bySubscriptionLock.RUnlock()
	result := make([]ActiveSubscriptionsEntry, 0, len(t.bySubscription))
	for _, entry := range t.bySubscription {
		result = append(result, entry.clone())
	}
	return result
}

// UpdateMatchedIndicationCounts increment the matched indication count of a provider
func (t *subscriptionIndexImpl) UpdateMatchedIndicationCounts(
	provider common.ProviderID, keys []SubscriptionKey,
) {
	t.bySubscriptionLock.Lock()
	defer t.bySubscriptionLock.Unlock()
	for _, key := range keys {
		entry, ok := t.bySubscription[key]
		if !ok {
			log.WithFields(t.LogTags).Debugf("Subscription %s not found in index", key)
			continue
		}
		if idx := entry.providerIndex(provider, ""); idx >= 0 {
			entry = entry.clone()
			entry.Providers[idx].MatchedIndications++
			t.bySubscription[key] = entry
		}
	}
}

// Len number of active subscriptions
func (t *subscriptionIndexImpl) Len() int {
	t.bySubscriptionLock.RLock()
	defer t.bySubscriptionLock.RUnlock()
	return len(t.bySubscription)
}

// Clear empty the index
func (t *subscriptionIndexImpl) Clear() {
	t.bySubscriptionLock.Lock()
	defer t.bySubscriptionLock.Unlock()
	t.byClassLock.Lock()
	defer t.byClassLock.Unlock()
	t.bySubscription = make(map[SubscriptionKey]ActiveSubscriptionsEntry)
	t.byClass = make(map[string]SubscriptionClassesEntry)
	log.WithFields(t.LogTags).Info("Cleared subscription index")
}

// verifyConsistency check both tables agree: every subscription listed in the by-class
// table is active, and every active subscription is listed under each class its
// providers serve.
func (t *subscriptionIndexImpl) verifyConsistency() error {
	t.bySubscriptionLock.RLock()
	defer t.bySubscriptionLock.RUnlock()
	t.byClassLock.RLock()
	defer t.byClassLock.RUnlock()
	for classKey, entry := range t.byClass {
		if len(entry.Subscriptions) == 0 {
			return fmt.Errorf("class entry %s is empty", classKey)
		}
		if classKey != classesKey(entry.ClassName, entry.Namespace) {
			return fmt.Errorf("class entry %s stored under the wrong key", classKey)
		}
		for _, sub := range entry.Subscriptions {
			if _, ok := t.bySubscription[KeyOf(sub)]; !ok {
				return fmt.Errorf(
					"subscription %s listed under %s but not active", KeyOf(sub), classKey,
				)
			}
		}
	}
	for key, entry := range t.bySubscription {
		for _, provider := range entry.Providers {
			for _, nsClasses := range provider.Classes {
				for _, className := range nsClasses.ClassNames {
					classKey := classesKey(className, nsClasses.Namespace)
					listed := false
					for _, sub := range t.byClass[classKey].Subscriptions {
						if KeyOf(sub) == key {
							listed = true
							break
						}
					}
					if !listed {
						return fmt.Errorf(
							"subscription %s served by %s for %s but not listed",
							key, provider.Provider, classKey,
						)
					}
				}
			}
		}
	}
	return nil
}
