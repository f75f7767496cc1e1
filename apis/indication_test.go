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

package apis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/dataplane"
	"github.com/alwitt/indisvc/indication"
	"github.com/alwitt/indisvc/query"
	"github.com/alwitt/indisvc/repository"
	"github.com/alwitt/indisvc/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

const (
	testNamespace   = "root/cimv2"
	testRequestID   = "Indisvc-Request-ID"
	testAlertClass  = "CIM_AlertIndication"
	testAlertFilter = "SELECT * FROM CIM_AlertIndication WHERE indication.PerceivedSeverity >= 3"
)

type restHarness struct {
	svc       indication.Service
	store     storage.KeyValueStore
	transport *dataplane.LoopbackProviderTransport
	router    *mux.Router
	ctxt      context.Context
	cancel    context.CancelFunc
	wg        *sync.WaitGroup

	lock      sync.Mutex
	delivered []common.HandleIndicationRequest
	requests  map[common.OperationType]int
}

func defineRESTHarness(t *testing.T) *restHarness {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	config := common.IndicationServiceConfig{
		EnableTimeout:                            5,
		DisableTimeout:                           5,
		ProviderRequestTimeout:                   2,
		ExpirySweepInterval:                      60,
		DeliveryWorkers:                          2,
		DeliveryQueueDepth:                       16,
		QueryCacheSize:                           32,
		EnableSubscriptionsForNonprivilegedUsers: true,
		PrivilegedUsers:                          []string{"root"},
		Transport:                                "loopback",
		SubjectPrefix:                            "unittest",
	}

	store, err := storage.CreateBadgerBackedStorage("", true)
	assert.Nil(err)
	repo, err := repository.DefineRepository(store, time.Second*5)
	assert.Nil(err)
	compiler, err := query.DefineCompiler(config.QueryCacheSize)
	assert.Nil(err)

	ctxt, cancel := context.WithCancel(context.Background())
	assert.Nil(repo.InstallDefaultClasses(ctxt, []string{testNamespace}))

	h := &restHarness{
		store:     store,
		transport: dataplane.NewLoopbackProviderTransport(),
		ctxt:      ctxt,
		cancel:    cancel,
		wg:        &sync.WaitGroup{},
		requests:  map[common.OperationType]int{},
	}
	svc, err := indication.DefineIndicationService(indication.ServiceParams{
		Config:     config,
		Repository: repo,
		Compiler:   compiler,
		Transport:  h.transport,
		Delivery: dataplane.NewLoopbackIndicationDelivery(
			func(ctx context.Context, req common.HandleIndicationRequest) error {
				h.lock.Lock()
				defer h.lock.Unlock()
				h.delivered = append(h.delivered, req)
				return nil
			},
		),
	}, ctxt, h.wg)
	assert.Nil(err)
	h.svc = svc

	httpConfig := common.HTTPConfig{
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: testRequestID,
			DoNotLogHeaders: []string{"Authorization"},
		},
	}
	handler, err := GetAPIRestIndicationHandler(svc, &httpConfig)
	assert.Nil(err)
	h.router = mux.NewRouter()
	handler.RegisterRoutes(h.router)
	return h
}

func (h *restHarness) close(t *testing.T) {
	useContext, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	assert.Nil(t, h.svc.Stop(useContext))
	h.cancel()
	h.wg.Wait()
	assert.Nil(t, h.store.Close())
}

// request issue one REST call. body may be a raw string or a value to marshal.
func (h *restHarness) request(
	t *testing.T, method, path string, body interface{}, result interface{},
) int {
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		assert.Nil(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(testRequestID, uuid.NewString())
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if result != nil {
		assert.Nil(t, json.Unmarshal(rec.Body.Bytes(), result), rec.Body.String())
	}
	return rec.Code
}

func (h *restHarness) deliveredCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.delivered)
}

func (h *restHarness) providerRequests(op common.OperationType) int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.requests[op]
}

// registerProvider define a loopback provider and announce it over REST
func (h *restHarness) registerProvider(t *testing.T, name string) common.ProviderID {
	id := common.ProviderID{Module: "rest-module", Name: name}
	h.transport.RegisterProvider(id, func(ctx context.Context, req common.ProviderRequest) error {
		h.lock.Lock()
		defer h.lock.Unlock()
		h.requests[req.Operation()]++
		return nil
	})
	var resp APIRestRespProviderNotification
	assert.Equal(t, http.StatusOK, h.request(
		t, http.MethodPost, "/v1/provider/registration", common.ProviderRegistration{
			Provider:   id,
			Namespaces: []string{testNamespace},
			ClassNames: []string{testAlertClass},
		}, &resp,
	))
	assert.True(t, resp.Success)
	return id
}

func namespaceURL(kind string) string {
	return fmt.Sprintf("/v1/namespace/%s/%s", testNamespace, kind)
}

func (h *restHarness) enable(t *testing.T) {
	var resp APIRestRespStateChange
	assert.Equal(t, http.StatusOK, h.request(
		t, http.MethodPut, "/v1/service/state", APIRestReqStateChange{
			RequestedState: indication.EnabledStateEnabled,
		}, &resp,
	))
	assert.Equal(t, indication.ReturnCompletedNoError, resp.ReturnCode)
	assert.Equal(t, indication.EnabledStateEnabled, resp.Service.EnabledState)
}

// createPair create a filter and a handler
func (h *restHarness) createPair(t *testing.T) (common.Filter, common.Handler) {
	filter := common.Filter{
		Name: fmt.Sprintf("filter-%s", uuid.NewString()), Query: testAlertFilter,
	}
	var created APIRestRespCreated
	assert.Equal(t, http.StatusOK, h.request(
		t, http.MethodPost, namespaceURL("filter"), filter, &created,
	))
	filter.Namespace = testNamespace
	assert.Equal(t, filter.Path().Canonical(), created.Path.Canonical())

	handler := common.Handler{
		Name:        fmt.Sprintf("handler-%s", uuid.NewString()),
		Destination: "http://127.0.0.1:5990/listener",
	}
	assert.Equal(t, http.StatusOK, h.request(
		t, http.MethodPost, namespaceURL("handler"), handler, &created,
	))
	handler.Namespace = testNamespace
	handler.ClassName = common.ClassListenerDestinationCIMXML
	assert.Equal(t, handler.Path().Canonical(), created.Path.Canonical())
	return filter, handler
}

func TestRESTHealthAndServiceState(t *testing.T) {
	assert := assert.New(t)
	h := defineRESTHarness(t)
	defer h.close(t)

	// Case 0: alive always, ready only when enabled
	{
		var resp goutils.RestAPIBaseResponse
		assert.Equal(http.StatusOK, h.request(t, http.MethodGet, "/alive", nil, &resp))
		assert.True(resp.Success)
		assert.Equal(http.StatusServiceUnavailable, h.request(t, http.MethodGet, "/ready", nil, &resp))
		assert.False(resp.Success)
	}

	// Case 1: the service instance is readable while disabled
	{
		var resp APIRestRespService
		assert.Equal(http.StatusOK, h.request(t, http.MethodGet, "/v1/service", nil, &resp))
		assert.Equal(indication.EnabledStateDisabled, resp.Service.EnabledState)
		assert.Equal(indication.ServiceName, resp.Service.Name)
	}

	// Case 2: instance operations are refused while disabled
	{
		var resp goutils.RestAPIBaseResponse
		assert.Equal(http.StatusServiceUnavailable, h.request(
			t, http.MethodGet, namespaceURL("filter"), nil, &resp,
		))
		assert.False(resp.Success)
	}

	// Case 3: enable
	h.enable(t)
	{
		var resp goutils.RestAPIBaseResponse
		assert.Equal(http.StatusOK, h.request(t, http.MethodGet, "/ready", nil, &resp))
		assert.Equal(http.StatusOK, h.request(t, http.MethodGet, namespaceURL("filter"), nil, &resp))
	}

	// Case 4: unsupported target state
	{
		var resp APIRestRespStateChange
		assert.Equal(http.StatusOK, h.request(
			t, http.MethodPut, "/v1/service/state", APIRestReqStateChange{
				RequestedState: indication.EnabledStateShuttingDown,
			}, &resp,
		))
		assert.Equal(indication.ReturnInvalidParameter, resp.ReturnCode)
	}

	// Case 5: disable
	{
		var resp APIRestRespStateChange
		assert.Equal(http.StatusOK, h.request(
			t, http.MethodPut, "/v1/service/state", APIRestReqStateChange{
				RequestedState: indication.EnabledStateDisabled, TimeoutSeconds: 5,
			}, &resp,
		))
		assert.Equal(indication.ReturnCompletedNoError, resp.ReturnCode)
		assert.Equal(indication.EnabledStateDisabled, resp.Service.EnabledState)
	}

	// Case 6: metrics are exported
	{
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		assert.Equal(http.StatusOK, rec.Code)
		assert.Contains(rec.Body.String(), "indisvc_api_requests_total")
	}
}

func TestRESTInstanceManagement(t *testing.T) {
	assert := assert.New(t)
	h := defineRESTHarness(t)
	defer h.close(t)
	h.enable(t)
	h.registerProvider(t, "alerts")

	filter, handler := h.createPair(t)

	// Case 0: duplicate filter
	{
		var resp goutils.RestAPIBaseResponse
		assert.Equal(http.StatusConflict, h.request(
			t, http.MethodPost, namespaceURL("filter"), common.Filter{
				Name: filter.Name, Query: testAlertFilter,
			}, &resp,
		))
		assert.False(resp.Success)
	}

	// Case 1: list and read filters
	{
		var filters APIRestRespFilters
		assert.Equal(http.StatusOK, h.request(t, http.MethodGet, namespaceURL("filter"), nil, &filters))
		assert.Len(filters.Filters, 1)
		var names APIRestRespNames
		assert.Equal(http.StatusOK, h.request(
			t, http.MethodGet, namespaceURL("filter")+"?names_only=true", nil, &names,
		))
		assert.Len(names.Names, 1)
		var one APIRestRespFilter
		assert.Equal(http.StatusOK, h.request(
			t, http.MethodGet, namespaceURL("filter")+"/"+filter.Name, nil, &one,
		))
		assert.Equal(filter.Query, one.Filter.Query)
		var missing goutils.RestAPIBaseResponse
		assert.Equal(http.StatusNotFound, h.request(
			t, http.MethodGet, namespaceURL("filter")+"/not-there", nil, &missing,
		))
	}

	// Case 2: list and read handlers
	{
		var handlers APIRestRespHandlers
		assert.Equal(http.StatusOK, h.request(t, http.MethodGet, namespaceURL("handler"), nil, &handlers))
		assert.Len(handlers.Handlers, 1)
		var one APIRestRespHandler
		assert.Equal(http.StatusOK, h.request(
			t, http.MethodGet, namespaceURL("handler")+"/"+handler.Name, nil, &one,
		))
		assert.Equal(handler.Destination, one.Handler.Destination)
	}

	// Case 3: create a subscription
	sub := common.Subscription{Filter: filter.Path(), Handler: handler.Path()}
	subURL := namespaceURL("subscription") + "/" + SubscriptionKey(sub)
	{
		var created APIRestRespCreated
		assert.Equal(http.StatusOK, h.request(
			t, http.MethodPost, namespaceURL("subscription"), sub, &created,
		))
		assert.True(created.Success)
		assert.Eventually(func() bool {
			return h.providerRequests(common.OperationCreate) == 1
		}, time.Second, time.Millisecond*10)

		var one APIRestRespSubscription
		assert.Equal(http.StatusOK, h.request(t, http.MethodGet, subURL, nil, &one))
		assert.Equal(common.StateEnabled, one.Subscription.State)
		assert.Equal(common.ClassIndicationSubscription, one.Subscription.ClassName)

		var all APIRestRespSubscriptions
		assert.Equal(http.StatusOK, h.request(
			t, http.MethodGet, namespaceURL("subscription"), nil, &all,
		))
		assert.Len(all.Subscriptions, 1)
	}

	// Case 4: a referenced filter can not be deleted
	{
		var resp goutils.RestAPIBaseResponse
		assert.Equal(http.StatusInternalServerError, h.request(
			t, http.MethodDelete, namespaceURL("filter")+"/"+filter.Name, nil, &resp,
		))
		assert.False(resp.Success)
	}

	// Case 5: disable the subscription
	{
		disabled := common.StateDisabled
		var resp goutils.RestAPIBaseResponse
		assert.Equal(http.StatusOK, h.request(
			t, http.MethodPut, subURL, APIRestReqModifySubscription{State: &disabled}, &resp,
		))
		assert.True(resp.Success)
		var one APIRestRespSubscription
		assert.Equal(http.StatusOK, h.request(t, http.MethodGet, subURL, nil, &one))
		assert.Equal(common.StateDisabled, one.Subscription.State)
		assert.Eventually(func() bool {
			return h.providerRequests(common.OperationDelete) == 1
		}, time.Second, time.Millisecond*10)
	}

	// Case 6: invalid modification
	{
		other := common.StateEnabledDegraded
		var resp goutils.RestAPIBaseResponse
		assert.Equal(http.StatusBadRequest, h.request(
			t, http.MethodPut, subURL, APIRestReqModifySubscription{State: &other}, &resp,
		))
	}

	// Case 7: delete the subscription, then its filter and handler
	{
		var resp goutils.RestAPIBaseResponse
		assert.Equal(http.StatusOK, h.request(t, http.MethodDelete, subURL, nil, &resp))
		assert.Equal(http.StatusNotFound, h.request(t, http.MethodGet, subURL, nil, &resp))
		assert.Equal(http.StatusOK, h.request(
			t, http.MethodDelete, namespaceURL("filter")+"/"+filter.Name, nil, &resp,
		))
		assert.Equal(http.StatusOK, h.request(
			t, http.MethodDelete, namespaceURL("handler")+"/"+handler.Name, nil, &resp,
		))
		var names APIRestRespNames
		assert.Equal(http.StatusOK, h.request(
			t, http.MethodGet, namespaceURL("handler")+"?names_only=true", nil, &names,
		))
		assert.Empty(names.Names)
	}
}

func TestRESTIndicationIngest(t *testing.T) {
	assert := assert.New(t)
	h := defineRESTHarness(t)
	defer h.close(t)
	h.enable(t)
	provider := h.registerProvider(t, "alerts")

	filter, handler := h.createPair(t)
	var created APIRestRespCreated
	assert.Equal(http.StatusOK, h.request(
		t, http.MethodPost, namespaceURL("subscription"),
		common.Subscription{Filter: filter.Path(), Handler: handler.Path()}, &created,
	))

	// Case 0: matching indication is delivered
	{
		var resp goutils.RestAPIBaseResponse
		assert.Equal(http.StatusOK, h.request(
			t, http.MethodPost, "/v1/indication", APIRestReqIndication{
				Provider:  provider,
				Namespace: testNamespace,
				Indication: common.Instance{
					ClassName:  testAlertClass,
					Properties: map[string]interface{}{"PerceivedSeverity": 5},
				},
			}, &resp,
		))
		assert.True(resp.Success)
		assert.Eventually(func() bool {
			return h.deliveredCount() == 1
		}, time.Second, time.Millisecond*10)
	}

	// Case 1: indication not satisfying the filter
	{
		var resp goutils.RestAPIBaseResponse
		assert.Equal(http.StatusOK, h.request(
			t, http.MethodPost, "/v1/indication", APIRestReqIndication{
				Provider:  provider,
				Namespace: testNamespace,
				Indication: common.Instance{
					ClassName:  testAlertClass,
					Properties: map[string]interface{}{"PerceivedSeverity": 1},
				},
			}, &resp,
		))
		time.Sleep(time.Millisecond * 100)
		assert.Equal(1, h.deliveredCount())
	}

	// Case 2: the failed module loses its subscriptions
	{
		var resp APIRestRespProviderNotification
		assert.Equal(http.StatusOK, h.request(
			t, http.MethodPost, "/v1/provider/failure", APIRestReqProviderFailure{
				Module: provider.Module,
			}, &resp,
		))
		assert.Equal(1, resp.AffectedSubscriptions)
	}
}

func TestRESTMalformedRequests(t *testing.T) {
	assert := assert.New(t)
	h := defineRESTHarness(t)
	defer h.close(t)
	h.enable(t)

	// Case 0: body is not JSON
	{
		var resp goutils.RestAPIBaseResponse
		assert.Equal(http.StatusBadRequest, h.request(
			t, http.MethodPost, namespaceURL("filter"), "{not json", &resp,
		))
		assert.False(resp.Success)
	}

	// Case 1: unknown fields
	{
		var resp goutils.RestAPIBaseResponse
		assert.Equal(http.StatusBadRequest, h.request(
			t, http.MethodPost, namespaceURL("filter"),
			`{"name": "f", "query": "SELECT * FROM CIM_AlertIndication", "bogus": 1}`, &resp,
		))
	}

	// Case 2: required fields missing
	{
		var resp goutils.RestAPIBaseResponse
		assert.Equal(http.StatusBadRequest, h.request(
			t, http.MethodPost, namespaceURL("handler"), `{"name": "h"}`, &resp,
		))
		assert.Equal(http.StatusBadRequest, h.request(
			t, http.MethodPost, "/v1/provider/termination", `{"providers": []}`, &resp,
		))
	}

	// Case 3: subscription key without a handler name
	{
		var resp goutils.RestAPIBaseResponse
		assert.Equal(http.StatusBadRequest, h.request(
			t, http.MethodGet, namespaceURL("subscription")+"/only-a-filter", nil, &resp,
		))
	}

	// Case 4: unsupported query language
	{
		var resp goutils.RestAPIBaseResponse
		assert.NotEqual(http.StatusOK, h.request(
			t, http.MethodPost, namespaceURL("filter"), common.Filter{
				Name: "bad-language", Query: testAlertFilter, QueryLanguage: "XPath",
			}, &resp,
		))
		assert.False(resp.Success)
	}
}
