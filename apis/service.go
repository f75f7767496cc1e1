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

	"github.com/alwitt/goutils"
	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/indication"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =======================================================================
// Service instance

// GetService godoc
// @Summary Query the indication service instance
// @Description Available in every service state
// @tags Service
// @Produce json
// @Success 200 {object} APIRestRespService "success"
// @Router /v1/service [get]
func (h APIRestIndicationHandler) GetService(w http.ResponseWriter, r *http.Request) {
	h.getInstance(
		w, r, h.core.GetServiceInstance().Path(),
		func(base goutils.RestAPIBaseResponse, resp indication.Response) interface{} {
			result := APIRestRespService{RestAPIBaseResponse: base}
			if resp.Service != nil {
				result.Service = *resp.Service
			}
			return result
		},
	)
}

// GetServiceHandler Wrapper around GetService
func (h APIRestIndicationHandler) GetServiceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetService(w, r)
	}
}

// APIRestReqStateChange parameters of RequestStateChange
type APIRestReqStateChange struct {
	// RequestedState is the target EnabledState: 2 (enabled) or 3 (disabled)
	RequestedState indication.EnabledState `json:"requested_state" validate:"required"`
	// TimeoutSeconds bounds the state change. 0 means unbounded.
	TimeoutSeconds uint32 `json:"timeout_sec"`
}

// ChangeServiceState godoc
// @Summary Enable or disable the indication service
// @Description Invokes RequestStateChange on the service instance. A non-zero return_code
// @Description reports a state change which did not complete.
// @tags Service
// @Accept json
// @Produce json
// @Param change body APIRestReqStateChange true "Requested state"
// @Success 200 {object} APIRestRespStateChange "success"
// @Router /v1/service/state [put]
func (h APIRestIndicationHandler) ChangeServiceState(w http.ResponseWriter, r *http.Request) {
	var params APIRestReqStateChange
	if !h.readBody(w, r, &params, nil) {
		return
	}
	h.serve(w, r, serviceCall{
		build: func(base indication.RequestBase) indication.Request {
			return indication.InvokeMethodRequest{
				RequestBase:    base,
				MethodName:     indication.MethodRequestStateChange,
				RequestedState: params.RequestedState,
				TimeoutSeconds: params.TimeoutSeconds,
			}
		},
		reply: func(base goutils.RestAPIBaseResponse, resp indication.Response) interface{} {
			result := APIRestRespStateChange{
				RestAPIBaseResponse: base, Service: h.core.GetServiceInstance(),
			}
			if resp.ReturnCode != nil {
				result.ReturnCode = *resp.ReturnCode
			}
			return result
		},
	})
}

// ChangeServiceStateHandler Wrapper around ChangeServiceState
func (h APIRestIndicationHandler) ChangeServiceStateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ChangeServiceState(w, r)
	}
}

// =======================================================================
// Provider notifications

// NotifyProviderRegistration a provider registration was added or changed
func (h APIRestIndicationHandler) NotifyProviderRegistration(w http.ResponseWriter, r *http.Request) {
	var registration common.ProviderRegistration
	if !h.readBody(w, r, &registration, nil) {
		return
	}
	h.serve(w, r, serviceCall{
		build: func(base indication.RequestBase) indication.Request {
			return indication.NotifyProviderRegistrationRequest{
				RequestBase: base, Registration: registration,
			}
		},
		reply: replyAffected,
	})
}

// NotifyProviderRegistrationHandler Wrapper around NotifyProviderRegistration
func (h APIRestIndicationHandler) NotifyProviderRegistrationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.NotifyProviderRegistration(w, r)
	}
}

// APIRestReqProviderTermination providers which stopped serving indications
type APIRestReqProviderTermination struct {
	Providers []common.ProviderID `json:"providers" validate:"required,min=1,dive"`
}

// NotifyProviderTermination providers stopped serving indications
func (h APIRestIndicationHandler) NotifyProviderTermination(w http.ResponseWriter, r *http.Request) {
	var params APIRestReqProviderTermination
	if !h.readBody(w, r, &params, nil) {
		return
	}
	h.serve(w, r, serviceCall{
		build: func(base indication.RequestBase) indication.Request {
			return indication.NotifyProviderTerminationRequest{
				RequestBase: base, Providers: params.Providers,
			}
		},
		reply: replyAffected,
	})
}

// NotifyProviderTerminationHandler Wrapper around NotifyProviderTermination
func (h APIRestIndicationHandler) NotifyProviderTerminationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.NotifyProviderTermination(w, r)
	}
}

// APIRestReqProviderEnable a provider serving indications again
type APIRestReqProviderEnable struct {
	Provider common.ProviderID `json:"provider" validate:"required"`
}

// NotifyProviderEnable a provider is serving indications again
func (h APIRestIndicationHandler) NotifyProviderEnable(w http.ResponseWriter, r *http.Request) {
	var params APIRestReqProviderEnable
	if !h.readBody(w, r, &params, nil) {
		return
	}
	h.serve(w, r, serviceCall{
		build: func(base indication.RequestBase) indication.Request {
			return indication.NotifyProviderEnableRequest{
				RequestBase: base, Provider: params.Provider,
			}
		},
		reply: replyAffected,
	})
}

// NotifyProviderEnableHandler Wrapper around NotifyProviderEnable
func (h APIRestIndicationHandler) NotifyProviderEnableHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.NotifyProviderEnable(w, r)
	}
}

// APIRestReqProviderFailure a failed provider module
type APIRestReqProviderFailure struct {
	Module   string `json:"module" validate:"required"`
	UserName string `json:"user_name,omitempty"`
}

// NotifyProviderFailure godoc
// @Summary Report a failed provider module
// @Description Drops the module's providers from every subscription. affected_subscriptions
// @Description is the number of subscriptions which referenced the module.
// @tags Provider
// @Accept json
// @Produce json
// @Param failure body APIRestReqProviderFailure true "Failed module"
// @Success 200 {object} APIRestRespProviderNotification "success"
// @Router /v1/provider/failure [post]
func (h APIRestIndicationHandler) NotifyProviderFailure(w http.ResponseWriter, r *http.Request) {
	var params APIRestReqProviderFailure
	if !h.readBody(w, r, &params, nil) {
		return
	}
	h.serve(w, r, serviceCall{
		build: func(base indication.RequestBase) indication.Request {
			return indication.NotifyProviderFailRequest{
				RequestBase: base, Module: params.Module, UserName: params.UserName,
			}
		},
		reply: replyAffected,
	})
}

// NotifyProviderFailureHandler Wrapper around NotifyProviderFailure
func (h APIRestIndicationHandler) NotifyProviderFailureHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.NotifyProviderFailure(w, r)
	}
}

// APIRestReqIndication an indication generated by a provider
type APIRestReqIndication struct {
	Provider   common.ProviderID `json:"provider" validate:"required"`
	Namespace  string            `json:"namespace" validate:"required"`
	Indication common.Instance   `json:"indication" validate:"required"`
	// SubscriptionPaths optionally restrict matching to these subscriptions
	SubscriptionPaths []common.ObjectPath `json:"subscription_paths,omitempty"`
}

// ProcessIndication godoc
// @Summary Submit a provider generated indication
// @Description The indication is matched against every subscription the provider serves
// @tags Provider
// @Accept json
// @Produce json
// @Param indication body APIRestReqIndication true "Generated indication"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/indication [post]
func (h APIRestIndicationHandler) ProcessIndication(w http.ResponseWriter, r *http.Request) {
	var params APIRestReqIndication
	if !h.readBody(w, r, &params, func() {
		params.Indication.Properties = normalizeJSONNumbers(params.Indication.Properties)
	}) {
		return
	}
	h.serve(w, r, serviceCall{
		build: func(base indication.RequestBase) indication.Request {
			return indication.ProcessIndicationRequest{
				RequestBase:       base,
				Provider:          params.Provider,
				Namespace:         params.Namespace,
				Indication:        params.Indication,
				SubscriptionPaths: params.SubscriptionPaths,
			}
		},
		reply: replySuccess,
	})
}

// ProcessIndicationHandler Wrapper around ProcessIndication
func (h APIRestIndicationHandler) ProcessIndicationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ProcessIndication(w, r)
	}
}

// =======================================================================
// Health

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestIndicationHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestIndicationHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the indication service is enabled
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 503 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestIndicationHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	instance := h.core.GetServiceInstance()
	if instance.EnabledState == indication.EnabledStateEnabled {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		msg := "not ready"
		respCode = http.StatusServiceUnavailable
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusServiceUnavailable, msg,
			"indication service is "+instance.EnabledState.String(),
		)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestIndicationHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// =======================================================================

// RegisterRoutes install the REST API routes below the parent router
func (h APIRestIndicationHandler) RegisterRoutes(parentRouter *mux.Router) {
	logged := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.LoggingMiddleware(handler)
	}

	// Per namespace instance routes. Namespaces may contain "/".
	namespaceRouter := RegisterPathPrefix(parentRouter, "/v1/namespace/{namespace:.+}", nil)

	filterRouter := RegisterPathPrefix(namespaceRouter, "/filter", MethodHandlers{
		"post": logged(h.CreateFilterHandler()),
		"get":  logged(h.ListFiltersHandler()),
	})
	_ = RegisterPathPrefix(filterRouter, "/{name}", MethodHandlers{
		"get":    logged(h.GetFilterHandler()),
		"delete": logged(h.DeleteFilterHandler()),
	})

	handlerRouter := RegisterPathPrefix(namespaceRouter, "/handler", MethodHandlers{
		"post": logged(h.CreateHandlerHandler()),
		"get":  logged(h.ListHandlersHandler()),
	})
	_ = RegisterPathPrefix(handlerRouter, "/{name}", MethodHandlers{
		"get":    logged(h.GetHandlerHandler()),
		"delete": logged(h.DeleteHandlerHandler()),
	})

	subscriptionRouter := RegisterPathPrefix(namespaceRouter, "/subscription", MethodHandlers{
		"post": logged(h.CreateSubscriptionHandler()),
		"get":  logged(h.ListSubscriptionsHandler()),
	})
	_ = RegisterPathPrefix(subscriptionRouter, "/{key}", MethodHandlers{
		"get":    logged(h.GetSubscriptionHandler()),
		"put":    logged(h.ModifySubscriptionHandler()),
		"delete": logged(h.DeleteSubscriptionHandler()),
	})

	// Service instance
	serviceRouter := RegisterPathPrefix(parentRouter, "/v1/service", MethodHandlers{
		"get": logged(h.GetServiceHandler()),
	})
	_ = RegisterPathPrefix(serviceRouter, "/state", MethodHandlers{
		"put": logged(h.ChangeServiceStateHandler()),
	})

	// Provider facing routes
	providerRouter := RegisterPathPrefix(parentRouter, "/v1/provider", nil)
	_ = RegisterPathPrefix(providerRouter, "/registration", MethodHandlers{
		"post": logged(h.NotifyProviderRegistrationHandler()),
	})
	_ = RegisterPathPrefix(providerRouter, "/termination", MethodHandlers{
		"post": logged(h.NotifyProviderTerminationHandler()),
	})
	_ = RegisterPathPrefix(providerRouter, "/enable", MethodHandlers{
		"post": logged(h.NotifyProviderEnableHandler()),
	})
	_ = RegisterPathPrefix(providerRouter, "/failure", MethodHandlers{
		"post": logged(h.NotifyProviderFailureHandler()),
	})
	_ = RegisterPathPrefix(parentRouter, "/v1/indication", MethodHandlers{
		"post": logged(h.ProcessIndicationHandler()),
	})

	// Health check
	_ = RegisterPathPrefix(parentRouter, "/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(parentRouter, "/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})

	// Metrics
	_ = RegisterPathPrefix(parentRouter, "/metrics", MethodHandlers{
		"get": promhttp.Handler().ServeHTTP,
	})
}
