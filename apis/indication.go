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
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/indication"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestIndicationHandler REST handler for the indication subscription service
type APIRestIndicationHandler struct {
	goutils.RestAPIHandler
	core     indication.Service
	validate *validator.Validate
}

// GetAPIRestIndicationHandler define APIRestIndicationHandler
func GetAPIRestIndicationHandler(
	core indication.Service, httpConfig *common.HTTPConfig,
) (APIRestIndicationHandler, error) {
	if core == nil {
		return APIRestIndicationHandler{}, fmt.Errorf("REST handler requires an indication service")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "indication",
	}
	return APIRestIndicationHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		core:           core,
		validate:       validator.New(),
	}, nil
}

// Write access log sink
func (h APIRestIndicationHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// serviceCall one service request issued on behalf of a REST call
type serviceCall struct {
	// build the service request from the call's identity bundle
	build func(base indication.RequestBase) indication.Request
	// reply build the REST response body of a successful request
	reply func(base goutils.RestAPIBaseResponse, resp indication.Response) interface{}
}

// serve issue a service request and write its REST response
func (h APIRestIndicationHandler) serve(
	w http.ResponseWriter, r *http.Request, call serviceCall,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	requestID := h.ReadRequestIDFromContext(r.Context())
	resp, err := h.call(r, call.build(h.requestBase(r)))
	if err != nil {
		msg := "Indication service request failed"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = httpStatusFor(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = call.reply(
		goutils.RestAPIBaseResponse{Success: true, RequestID: requestID}, resp,
	)
}

// requestBase the identity bundle of a REST call
func (h APIRestIndicationHandler) requestBase(r *http.Request) indication.RequestBase {
	return indication.RequestBase{
		Context: requestContextFrom(r, h.ReadRequestIDFromContext(r.Context())),
	}
}

// call issue one service request and wait for its response
func (h APIRestIndicationHandler) call(
	r *http.Request, req indication.Request,
) (indication.Response, error) {
	// The service may finish work after replying, so it must outlive the HTTP call
	serviceCtxt := context.WithoutCancel(r.Context())
	select {
	case resp := <-h.core.Dispatch(serviceCtxt, req):
		return resp, resp.Err()
	case <-r.Context().Done():
		return indication.Response{}, common.WrapCIMError(
			common.StatusFailed, r.Context().Err(), "request abandoned by client",
		)
	}
}

// badRequest write a 400 response
func (h APIRestIndicationHandler) badRequest(
	w http.ResponseWriter, r *http.Request, msg string, err error,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	detail := msg
	if err != nil {
		detail = err.Error()
	}
	log.WithError(err).WithFields(localLogTags).Error(msg)
	if err := h.WriteRESTResponse(
		w,
		http.StatusBadRequest,
		h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, detail),
		nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// readBody parse and validate a JSON request body. prepare, if given, runs between the
// two steps.
func (h APIRestIndicationHandler) readBody(
	w http.ResponseWriter, r *http.Request, target interface{}, prepare func(),
) bool {
	if err := decodeBody(r, target); err != nil {
		h.badRequest(w, r, "Unable to parse request body", err)
		return false
	}
	if prepare != nil {
		prepare()
	}
	if err := h.validate.Struct(target); err != nil {
		h.badRequest(w, r, "Invalid request body", err)
		return false
	}
	return true
}

// pathVar read a required path variable
func (h APIRestIndicationHandler) pathVar(
	w http.ResponseWriter, r *http.Request, name string,
) (string, bool) {
	value, ok := mux.Vars(r)[name]
	if !ok || strings.TrimSpace(value) == "" {
		msg := fmt.Sprintf("No %s provided", name)
		h.badRequest(w, r, msg, nil)
		return "", false
	}
	return value, true
}

// =======================================================================
// Response bodies

// APIRestRespCreated response for a created instance
type APIRestRespCreated struct {
	goutils.RestAPIBaseResponse
	// Path is the object path of the new instance
	Path common.ObjectPath `json:"path"`
}

// APIRestRespNames response for listing instance paths
type APIRestRespNames struct {
	goutils.RestAPIBaseResponse
	Names []common.ObjectPath `json:"names"`
}

// APIRestRespFilter response for one filter
type APIRestRespFilter struct {
	goutils.RestAPIBaseResponse
	Filter common.Filter `json:"filter"`
}

// APIRestRespFilters response for listing filters
type APIRestRespFilters struct {
	goutils.RestAPIBaseResponse
	Filters []common.Filter `json:"filters"`
}

// APIRestRespHandler response for one handler
type APIRestRespHandler struct {
	goutils.RestAPIBaseResponse
	Handler common.Handler `json:"handler"`
}

// APIRestRespHandlers response for listing handlers
type APIRestRespHandlers struct {
	goutils.RestAPIBaseResponse
	Handlers []common.Handler `json:"handlers"`
}

// APIRestRespSubscription response for one subscription
type APIRestRespSubscription struct {
	goutils.RestAPIBaseResponse
	Subscription common.Subscription `json:"subscription"`
}

// APIRestRespSubscriptions response for listing subscriptions
type APIRestRespSubscriptions struct {
	goutils.RestAPIBaseResponse
	Subscriptions []common.Subscription `json:"subscriptions"`
}

// APIRestRespService response for the service instance
type APIRestRespService struct {
	goutils.RestAPIBaseResponse
	Service indication.ServiceInstance `json:"service"`
}

// APIRestRespStateChange response for a service state change
type APIRestRespStateChange struct {
	goutils.RestAPIBaseResponse
	// ReturnCode is the RequestStateChange return code
	ReturnCode indication.ReturnCode `json:"return_code"`
	// Service is the service instance after the state change
	Service indication.ServiceInstance `json:"service"`
}

// APIRestRespProviderNotification response for a provider notification
type APIRestRespProviderNotification struct {
	goutils.RestAPIBaseResponse
	// AffectedSubscriptions is the number of subscriptions the notification changed
	AffectedSubscriptions int `json:"affected_subscriptions"`
}

func replySuccess(base goutils.RestAPIBaseResponse, _ indication.Response) interface{} {
	return base
}

func replyCreated(base goutils.RestAPIBaseResponse, resp indication.Response) interface{} {
	result := APIRestRespCreated{RestAPIBaseResponse: base}
	if resp.Path != nil {
		result.Path = *resp.Path
	}
	return result
}

func replyNames(base goutils.RestAPIBaseResponse, resp indication.Response) interface{} {
	names := resp.Names
	if names == nil {
		names = []common.ObjectPath{}
	}
	return APIRestRespNames{RestAPIBaseResponse: base, Names: names}
}

func replyAffected(base goutils.RestAPIBaseResponse, resp indication.Response) interface{} {
	return APIRestRespProviderNotification{
		RestAPIBaseResponse: base, AffectedSubscriptions: resp.AffectedSubscriptions,
	}
}
