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

package common

import (
	"github.com/apex/log"
)

// RequestContext is the identity and language bundle carried by every request
type RequestContext struct {
	// RequestID is the request ID
	RequestID string `json:"request_id"`
	// UserName is the acting user
	UserName string `json:"user_name,omitempty"`
	// AuthType is how the acting user was authenticated
	AuthType string `json:"auth_type,omitempty"`
	// AcceptLanguages is the request's accept-language value
	AcceptLanguages string `json:"accept_languages,omitempty"`
	// ContentLanguages is the request's content-language value
	ContentLanguages string `json:"content_languages,omitempty"`
}

// UpdateLogTags updates Apex log.Fields map with values the requests's parameters
func (c RequestContext) UpdateLogTags(tags log.Fields) {
	tags["request_id"] = c.RequestID
	if c.UserName != "" {
		tags["request_user"] = c.UserName
	}
}

// LogTagsFor copy of base tags with the request context merged in
func LogTagsFor(base log.Fields, ctxt RequestContext) log.Fields {
	result := log.Fields{}
	for k, v := range base {
		result[k] = v
	}
	ctxt.UpdateLogTags(result)
	return result
}
