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
	"testing"

	"github.com/alwitt/indisvc/common"
	"github.com/stretchr/testify/assert"
)

func TestSubscriptionKeyCanonical(t *testing.T) {
	assert := assert.New(t)

	filter := common.ObjectPath{
		ClassName: "CIM_IndicationFilter",
		KeyBindings: []common.KeyBinding{
			{Name: "CreationClassName", Value: "CIM_IndicationFilter"},
			{Name: "Name", Value: "alerts"},
		},
	}
	handler := common.ObjectPath{
		ClassName: "CIM_ListenerDestinationCIMXML",
		KeyBindings: []common.KeyBinding{
			{Name: "Name", Value: "listener"},
		},
	}

	// Case 0: binding order and name case do not matter
	{
		path1 := common.ObjectPath{
			Namespace: "root/cimv2",
			ClassName: "CIM_IndicationSubscription",
			KeyBindings: []common.KeyBinding{
				{Name: "Filter", Ref: &filter},
				{Name: "Handler", Ref: &handler},
			},
		}
		reorderedFilter := common.ObjectPath{
			ClassName: "cim_indicationfilter",
			KeyBindings: []common.KeyBinding{
				{Name: "name", Value: "alerts"},
				{Name: "CREATIONCLASSNAME", Value: "CIM_IndicationFilter"},
			},
		}
		path2 := common.ObjectPath{
			Namespace: "ROOT/CIMV2",
			ClassName: "cim_indicationsubscription",
			KeyBindings: []common.KeyBinding{
				{Name: "HANDLER", Ref: &handler},
				{Name: "filter", Ref: &reorderedFilter},
			},
		}
		assert.Equal(NewSubscriptionKey(path1), NewSubscriptionKey(path2))
		assert.False(NewSubscriptionKey(path1).IsZero())
	}

	// Case 1: key values are case sensitive
	{
		otherFilter := filter
		otherFilter.KeyBindings = []common.KeyBinding{
			{Name: "CreationClassName", Value: "CIM_IndicationFilter"},
			{Name: "Name", Value: "ALERTS"},
		}
		sub1 := common.Subscription{
			Namespace: "root/cimv2", ClassName: common.ClassIndicationSubscription,
			Filter: filter, Handler: handler,
		}
		sub2 := sub1
		sub2.Filter = otherFilter
		assert.NotEqual(KeyOf(sub1), KeyOf(sub2))
	}

	// Case 2: different namespaces differ
	{
		sub1 := common.Subscription{
			Namespace: "root/cimv2", ClassName: common.ClassIndicationSubscription,
			Filter: filter, Handler: handler,
		}
		sub2 := sub1
		sub2.Namespace = "root/interop"
		assert.NotEqual(KeyOf(sub1), KeyOf(sub2))
	}

	// Case 3: reference carrying the subscription's own namespace
	{
		sub1 := common.Subscription{
			Namespace: "root/cimv2", ClassName: common.ClassIndicationSubscription,
			Filter: filter, Handler: handler,
		}
		qualified := filter
		qualified.Namespace = "root/CIMV2"
		sub2 := sub1
		sub2.Filter = qualified
		assert.Equal(KeyOf(sub1), KeyOf(sub2))
	}

	// Case 4: zero key
	{
		var key SubscriptionKey
		assert.True(key.IsZero())
	}
}
