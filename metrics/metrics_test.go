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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsSingleton(t *testing.T) {
	assert := assert.New(t)

	// Case 0: same instance every time
	m1 := GetMetrics()
	m2 := GetMetrics()
	assert.Same(m1, m2)

	// Case 1: counters are live
	{
		before := testutil.ToFloat64(m1.ProviderRequestsTotal.WithLabelValues("create", Outcome(true)))
		m2.ProviderRequestsTotal.WithLabelValues("create", Outcome(true)).Inc()
		after := testutil.ToFloat64(m1.ProviderRequestsTotal.WithLabelValues("create", Outcome(true)))
		assert.Equal(before+1, after)
	}

	// Case 2: outcome labels
	assert.Equal("success", Outcome(true))
	assert.Equal("failure", Outcome(false))
}
