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
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/indisvc/common"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// defineRestAPIHandler define the goutils REST handler base from the HTTP config
func defineRestAPIHandler(
	logTags map[string]interface{}, httpConfig *common.HTTPConfig,
) goutils.RestAPIHandler {
	return goutils.RestAPIHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
		DoNotLogHeaders: func() map[string]bool {
			result := map[string]bool{}
			for _, v := range httpConfig.Logging.DoNotLogHeaders {
				result[v] = true
			}
			return result
		}(),
	}
}

// httpStatusFor the HTTP response code of a failed service request
func httpStatusFor(err error) int {
	return common.ErrorCode(err).HTTPStatus()
}

// readBoolQuery parse a boolean query parameter. Missing or malformed values are false.
func readBoolQuery(r *http.Request, name string) bool {
	value := r.URL.Query().Get(name)
	if value == "" {
		return false
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false
	}
	return parsed
}

// readStringQuery a query parameter with a fallback
func readStringQuery(r *http.Request, name, fallback string) string {
	if value := strings.TrimSpace(r.URL.Query().Get(name)); value != "" {
		return value
	}
	return fallback
}

// decodeBody parse a JSON request body
func decodeBody(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

// requestContextFrom build the service request context of a REST call. The acting user
// comes from HTTP basic auth.
func requestContextFrom(r *http.Request, requestID string) common.RequestContext {
	result := common.RequestContext{
		RequestID:        requestID,
		AcceptLanguages:  r.Header.Get("Accept-Language"),
		ContentLanguages: r.Header.Get("Content-Language"),
	}
	if user, _, ok := r.BasicAuth(); ok {
		result.UserName = user
		result.AuthType = "basic"
	}
	return result
}

// normalizeJSONNumbers convert integral JSON numbers back to int64 so integer
// comparisons in filter queries see integer operands
func normalizeJSONNumbers(properties map[string]interface{}) map[string]interface{} {
	for name, value := range properties {
		switch v := value.(type) {
		case float64:
			if v == math.Trunc(v) && math.Abs(v) < math.MaxInt64 {
				properties[name] = int64(v)
			}
		case []interface{}:
			for idx, item := range v {
				if f, ok := item.(float64); ok && f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
					v[idx] = int64(f)
				}
			}
		}
	}
	return properties
}
