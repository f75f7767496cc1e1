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
	"strings"

	"github.com/alwitt/indisvc/common"
)

// SubscriptionKey canonical identity of a subscription.
//
// Derived from the subscription's object path. Two keys are equal iff the paths are equal
// ignoring key binding order and the case of names. Usable as a map key.
type SubscriptionKey struct {
	canonical string
}

// NewSubscriptionKey derive the key of a subscription from its object path
func NewSubscriptionKey(path common.ObjectPath) SubscriptionKey {
	return SubscriptionKey{canonical: normalizeReferences(path).Canonical()}
}

// KeyOf derive the key of a subscription
func KeyOf(sub common.Subscription) SubscriptionKey {
	return NewSubscriptionKey(sub.Path())
}

// String the canonical form of the key
func (k SubscriptionKey) String() string {
	return k.canonical
}

// IsZero whether the key is unset
func (k SubscriptionKey) IsZero() bool {
	return k.canonical == ""
}

// normalizeReferences drop reference namespaces which repeat the namespace of the
// referencing path, so "root/x:Filter.Name=a" and "Filter.Name=a" compare equal inside
// a subscription defined in root/x.
func normalizeReferences(path common.ObjectPath) common.ObjectPath {
	result := common.ObjectPath{
		Namespace:   path.Namespace,
		ClassName:   path.ClassName,
		KeyBindings: make([]common.KeyBinding, len(path.KeyBindings)),
	}
	for idx, kb := range path.KeyBindings {
		result.KeyBindings[idx] = common.KeyBinding{Name: kb.Name, Value: kb.Value}
		if kb.Ref != nil {
			ref := normalizeReferences(*kb.Ref)
			if strings.EqualFold(ref.Namespace, path.Namespace) {
				ref.Namespace = ""
			}
			result.KeyBindings[idx].Ref = &ref
		}
	}
	return result
}
