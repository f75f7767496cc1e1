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
	"net/http"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/indication"
	"github.com/apex/log"
)

// Classes used when a REST call does not name one
const (
	defaultHandlerClass          = common.ClassListenerDestinationCIMXML
	defaultHandlerEnumerateClass = "CIM_ListenerDestination"
	defaultSubscriptionClass     = common.ClassIndicationSubscription
)

// enumerate list the instances, or only their paths, of a class in the request namespace
func (h APIRestIndicationHandler) enumerate(
	w http.ResponseWriter, r *http.Request, className string,
	reply func(base goutils.RestAPIBaseResponse, resp indication.Response) interface{},
) {
	namespace, ok := h.pathVar(w, r, "namespace")
	if !ok {
		return
	}
	if readBoolQuery(r, "names_only") {
		h.serve(w, r, serviceCall{
			build: func(base indication.RequestBase) indication.Request {
				return indication.EnumerateInstanceNamesRequest{
					RequestBase: base, Namespace: namespace, ClassName: className,
				}
			},
			reply: replyNames,
		})
		return
	}
	h.serve(w, r, serviceCall{
		build: func(base indication.RequestBase) indication.Request {
			return indication.EnumerateInstancesRequest{
				RequestBase: base, Namespace: namespace, ClassName: className,
			}
		},
		reply: reply,
	})
}

// getInstance fetch one instance by path
func (h APIRestIndicationHandler) getInstance(
	w http.ResponseWriter, r *http.Request, path common.ObjectPath,
	reply func(base goutils.RestAPIBaseResponse, resp indication.Response) interface{},
) {
	h.serve(w, r, serviceCall{
		build: func(base indication.RequestBase) indication.Request {
			return indication.GetInstanceRequest{RequestBase: base, Path: path}
		},
		reply: reply,
	})
}

// deleteInstance delete one instance by path
func (h APIRestIndicationHandler) deleteInstance(
	w http.ResponseWriter, r *http.Request, path common.ObjectPath,
) {
	h.serve(w, r, serviceCall{
		build: func(base indication.RequestBase) indication.Request {
			return indication.DeleteInstanceRequest{RequestBase: base, Path: path}
		},
		reply: replySuccess,
	})
}

// create create one instance
func (h APIRestIndicationHandler) create(
	w http.ResponseWriter, r *http.Request, req func(base indication.RequestBase) indication.CreateInstanceRequest,
) {
	h.serve(w, r, serviceCall{
		build: func(base indication.RequestBase) indication.Request {
			return req(base)
		},
		reply: replyCreated,
	})
}

// =======================================================================
// Filters

// CreateFilter godoc
// @Summary Define new indication filter
// @tags Filter
// @Accept json
// @Produce json
// @Param namespace path string true "CIM namespace"
// @Param filter body common.Filter true "Filter definition"
// @Success 200 {object} APIRestRespCreated "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/namespace/{namespace}/filter [post]
func (h APIRestIndicationHandler) CreateFilter(w http.ResponseWriter, r *http.Request) {
	namespace, ok := h.pathVar(w, r, "namespace")
	if !ok {
		return
	}
	var filter common.Filter
	if !h.readBody(w, r, &filter, func() { filter.Namespace = namespace }) {
		return
	}
	h.create(w, r, func(base indication.RequestBase) indication.CreateInstanceRequest {
		return indication.CreateInstanceRequest{RequestBase: base, Filter: &filter}
	})
}

// CreateFilterHandler Wrapper around CreateFilter
func (h APIRestIndicationHandler) CreateFilterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CreateFilter(w, r)
	}
}

// ListFilters godoc
// @Summary List indication filters
// @tags Filter
// @Produce json
// @Param namespace path string true "CIM namespace"
// @Param names_only query bool false "Only list the object paths"
// @Success 200 {object} APIRestRespFilters "success"
// @Router /v1/namespace/{namespace}/filter [get]
func (h APIRestIndicationHandler) ListFilters(w http.ResponseWriter, r *http.Request) {
	h.enumerate(
		w, r, common.ClassIndicationFilter,
		func(base goutils.RestAPIBaseResponse, resp indication.Response) interface{} {
			filters := resp.Filters
			if filters == nil {
				filters = []common.Filter{}
			}
			return APIRestRespFilters{RestAPIBaseResponse: base, Filters: filters}
		},
	)
}

// ListFiltersHandler Wrapper around ListFilters
func (h APIRestIndicationHandler) ListFiltersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListFilters(w, r)
	}
}

// filterPath the path of the filter named in the URL
func (h APIRestIndicationHandler) filterPath(
	w http.ResponseWriter, r *http.Request,
) (common.ObjectPath, bool) {
	namespace, ok := h.pathVar(w, r, "namespace")
	if !ok {
		return common.ObjectPath{}, false
	}
	name, ok := h.pathVar(w, r, "name")
	if !ok {
		return common.ObjectPath{}, false
	}
	return common.Filter{Namespace: namespace, Name: name}.Path(), true
}

// GetFilter fetch one filter
func (h APIRestIndicationHandler) GetFilter(w http.ResponseWriter, r *http.Request) {
	path, ok := h.filterPath(w, r)
	if !ok {
		return
	}
	h.getInstance(
		w, r, path,
		func(base goutils.RestAPIBaseResponse, resp indication.Response) interface{} {
			result := APIRestRespFilter{RestAPIBaseResponse: base}
			if resp.Filter != nil {
				result.Filter = *resp.Filter
			}
			return result
		},
	)
}

// GetFilterHandler Wrapper around GetFilter
func (h APIRestIndicationHandler) GetFilterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetFilter(w, r)
	}
}

// DeleteFilter delete one filter. Fails while subscriptions reference it.
func (h APIRestIndicationHandler) DeleteFilter(w http.ResponseWriter, r *http.Request) {
	path, ok := h.filterPath(w, r)
	if !ok {
		return
	}
	h.deleteInstance(w, r, path)
}

// DeleteFilterHandler Wrapper around DeleteFilter
func (h APIRestIndicationHandler) DeleteFilterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeleteFilter(w, r)
	}
}

// =======================================================================
// Handlers

// CreateHandler godoc
// @Summary Define new indication handler
// @Description The handler class defaults to CIM_ListenerDestinationCIMXML
// @tags Handler
// @Accept json
// @Produce json
// @Param namespace path string true "CIM namespace"
// @Param handler body common.Handler true "Handler definition"
// @Success 200 {object} APIRestRespCreated "success"
// @Router /v1/namespace/{namespace}/handler [post]
func (h APIRestIndicationHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	namespace, ok := h.pathVar(w, r, "namespace")
	if !ok {
		return
	}
	var handler common.Handler
	if !h.readBody(w, r, &handler, func() {
		handler.Namespace = namespace
		if handler.ClassName == "" {
			handler.ClassName = defaultHandlerClass
		}
	}) {
		return
	}
	h.create(w, r, func(base indication.RequestBase) indication.CreateInstanceRequest {
		return indication.CreateInstanceRequest{RequestBase: base, Handler: &handler}
	})
}

// CreateHandlerHandler Wrapper around CreateHandler
func (h APIRestIndicationHandler) CreateHandlerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CreateHandler(w, r)
	}
}

// ListHandlers list indication handlers. The class query parameter narrows the listing
// to one handler class.
func (h APIRestIndicationHandler) ListHandlers(w http.ResponseWriter, r *http.Request) {
	h.enumerate(
		w, r, readStringQuery(r, "class", defaultHandlerEnumerateClass),
		func(base goutils.RestAPIBaseResponse, resp indication.Response) interface{} {
			handlers := resp.Handlers
			if handlers == nil {
				handlers = []common.Handler{}
			}
			return APIRestRespHandlers{RestAPIBaseResponse: base, Handlers: handlers}
		},
	)
}

// ListHandlersHandler Wrapper around ListHandlers
func (h APIRestIndicationHandler) ListHandlersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListHandlers(w, r)
	}
}

// handlerPath the path of the handler named in the URL
func (h APIRestIndicationHandler) handlerPath(
	w http.ResponseWriter, r *http.Request,
) (common.ObjectPath, bool) {
	namespace, ok := h.pathVar(w, r, "namespace")
	if !ok {
		return common.ObjectPath{}, false
	}
	name, ok := h.pathVar(w, r, "name")
	if !ok {
		return common.ObjectPath{}, false
	}
	return common.Handler{
		Namespace: namespace,
		ClassName: readStringQuery(r, "class", defaultHandlerClass),
		Name:      name,
	}.Path(), true
}

// GetHandler fetch one handler
func (h APIRestIndicationHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	path, ok := h.handlerPath(w, r)
	if !ok {
		return
	}
	h.getInstance(
		w, r, path,
		func(base goutils.RestAPIBaseResponse, resp indication.Response) interface{} {
			result := APIRestRespHandler{RestAPIBaseResponse: base}
			if resp.Handler != nil {
				result.Handler = *resp.Handler
			}
			return result
		},
	)
}

// GetHandlerHandler Wrapper around GetHandler
func (h APIRestIndicationHandler) GetHandlerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetHandler(w, r)
	}
}

// DeleteHandler delete one handler
func (h APIRestIndicationHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	path, ok := h.handlerPath(w, r)
	if !ok {
		return
	}
	h.deleteInstance(w, r, path)
}

// DeleteHandlerHandler Wrapper around DeleteHandler
func (h APIRestIndicationHandler) DeleteHandlerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeleteHandler(w, r)
	}
}

// =======================================================================
// Subscriptions

// SubscriptionKey the URL key of a subscription: "<filter name>,<handler name>"
func SubscriptionKey(sub common.Subscription) string {
	return pathName(sub.Filter) + "," + pathName(sub.Handler)
}

func pathName(path common.ObjectPath) string {
	kb, _ := path.KeyValue(common.PropertyName)
	return kb.Value
}

// CreateSubscription godoc
// @Summary Define new indication subscription
// @Description Activates the subscription with every provider serving the filter
// @tags Subscription
// @Accept json
// @Produce json
// @Param namespace path string true "CIM namespace"
// @Param subscription body common.Subscription true "Subscription definition"
// @Success 200 {object} APIRestRespCreated "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 409 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/namespace/{namespace}/subscription [post]
func (h APIRestIndicationHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	namespace, ok := h.pathVar(w, r, "namespace")
	if !ok {
		return
	}
	var sub common.Subscription
	if !h.readBody(w, r, &sub, func() {
		sub.Namespace = namespace
		if sub.ClassName == "" {
			sub.ClassName = defaultSubscriptionClass
		}
	}) {
		return
	}
	h.create(w, r, func(base indication.RequestBase) indication.CreateInstanceRequest {
		return indication.CreateInstanceRequest{RequestBase: base, Subscription: &sub}
	})
}

// CreateSubscriptionHandler Wrapper around CreateSubscription
func (h APIRestIndicationHandler) CreateSubscriptionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CreateSubscription(w, r)
	}
}

// ListSubscriptions list indication subscriptions
func (h APIRestIndicationHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	h.enumerate(
		w, r, readStringQuery(r, "class", defaultSubscriptionClass),
		func(base goutils.RestAPIBaseResponse, resp indication.Response) interface{} {
			subs := resp.Subscriptions
			if subs == nil {
				subs = []common.Subscription{}
			}
			return APIRestRespSubscriptions{RestAPIBaseResponse: base, Subscriptions: subs}
		},
	)
}

// ListSubscriptionsHandler Wrapper around ListSubscriptions
func (h APIRestIndicationHandler) ListSubscriptionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListSubscriptions(w, r)
	}
}

// subscriptionPath the path of the subscription keyed in the URL. The query parameters
// class and handler_class override the default subscription and handler classes.
func (h APIRestIndicationHandler) subscriptionPath(
	w http.ResponseWriter, r *http.Request,
) (common.ObjectPath, bool) {
	namespace, ok := h.pathVar(w, r, "namespace")
	if !ok {
		return common.ObjectPath{}, false
	}
	key, ok := h.pathVar(w, r, "key")
	if !ok {
		return common.ObjectPath{}, false
	}
	filterName, handlerName, found := strings.Cut(key, ",")
	if !found || filterName == "" || handlerName == "" {
		h.badRequest(w, r, "Subscription key must be <filter name>,<handler name>", nil)
		return common.ObjectPath{}, false
	}
	filter := common.Filter{Namespace: namespace, Name: filterName}
	handler := common.Handler{
		Namespace: namespace,
		ClassName: readStringQuery(r, "handler_class", defaultHandlerClass),
		Name:      handlerName,
	}
	return common.Subscription{
		Namespace: namespace,
		ClassName: readStringQuery(r, "class", defaultSubscriptionClass),
		Filter:    filter.Path(),
		Handler:   handler.Path(),
	}.Path(), true
}

func replySubscription(base goutils.RestAPIBaseResponse, resp indication.Response) interface{} {
	result := APIRestRespSubscription{RestAPIBaseResponse: base}
	if resp.Subscription != nil {
		result.Subscription = *resp.Subscription
	}
	return result
}

// GetSubscription fetch one subscription
func (h APIRestIndicationHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	path, ok := h.subscriptionPath(w, r)
	if !ok {
		return
	}
	h.getInstance(w, r, path, replySubscription)
}

// GetSubscriptionHandler Wrapper around GetSubscription
func (h APIRestIndicationHandler) GetSubscriptionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSubscription(w, r)
	}
}

// APIRestReqModifySubscription the subscription properties which may change
type APIRestReqModifySubscription struct {
	// State is the new subscription state: 2 (enabled) or 4 (disabled)
	State *common.SubscriptionState `json:"state,omitempty" validate:"omitempty,oneof=2 4"`
	// Duration is the new subscription duration in seconds
	Duration *uint64 `json:"duration_sec,omitempty"`
}

// ModifySubscription godoc
// @Summary Change a subscription's state or duration
// @tags Subscription
// @Accept json
// @Produce json
// @Param namespace path string true "CIM namespace"
// @Param key path string true "<filter name>,<handler name>"
// @Param change body APIRestReqModifySubscription true "Changed properties"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/namespace/{namespace}/subscription/{key} [put]
func (h APIRestIndicationHandler) ModifySubscription(w http.ResponseWriter, r *http.Request) {
	path, ok := h.subscriptionPath(w, r)
	if !ok {
		return
	}
	var change APIRestReqModifySubscription
	if !h.readBody(w, r, &change, nil) {
		return
	}

	// Read the current instance so properties not named in the change are kept
	current, err := h.call(r, indication.GetInstanceRequest{
		RequestBase: h.requestBase(r), Path: path,
	})
	if err != nil || current.Subscription == nil {
		h.fail(w, r, "Unable to read subscription", err)
		return
	}
	updated := *current.Subscription
	if change.State != nil {
		updated.State = *change.State
	}
	if change.Duration != nil {
		duration := *change.Duration
		updated.Duration = &duration
	}

	h.serve(w, r, serviceCall{
		build: func(base indication.RequestBase) indication.Request {
			return indication.ModifyInstanceRequest{RequestBase: base, Subscription: &updated}
		},
		reply: replySuccess,
	})
}

// ModifySubscriptionHandler Wrapper around ModifySubscription
func (h APIRestIndicationHandler) ModifySubscriptionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ModifySubscription(w, r)
	}
}

// DeleteSubscription delete one subscription
func (h APIRestIndicationHandler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	path, ok := h.subscriptionPath(w, r)
	if !ok {
		return
	}
	h.deleteInstance(w, r, path)
}

// DeleteSubscriptionHandler Wrapper around DeleteSubscription
func (h APIRestIndicationHandler) DeleteSubscriptionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeleteSubscription(w, r)
	}
}

// fail write the error response of a failed service request
func (h APIRestIndicationHandler) fail(
	w http.ResponseWriter, r *http.Request, msg string, err error,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err == nil {
		err = common.NewCIMError(common.StatusFailed, "%s", msg)
	}
	log.WithError(err).WithFields(localLogTags).Error(msg)
	respCode := httpStatusFor(err)
	if err := h.WriteRESTResponse(
		w, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}
