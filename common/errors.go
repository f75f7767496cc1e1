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
	"errors"
	"fmt"
	"net/http"
)

// CIMStatusCode CIM operation status codes
type CIMStatusCode uint16

// Status codes used by the service
const (
	StatusFailed           CIMStatusCode = 1
	StatusAccessDenied     CIMStatusCode = 2
	StatusInvalidNamespace CIMStatusCode = 3
	StatusInvalidParameter CIMStatusCode = 4
	StatusInvalidClass     CIMStatusCode = 5
	StatusNotFound         CIMStatusCode = 6
	StatusNotSupported     CIMStatusCode = 7
	StatusAlreadyExists    CIMStatusCode = 11
	StatusMethodNotFound   CIMStatusCode = 17
	StatusServerShutdown   CIMStatusCode = 28
)

// String display form
func (c CIMStatusCode) String() string {
	switch c {
	case StatusFailed:
		return "CIM_ERR_FAILED"
	case StatusAccessDenied:
		return "CIM_ERR_ACCESS_DENIED"
	case StatusInvalidNamespace:
		return "CIM_ERR_INVALID_NAMESPACE"
	case StatusInvalidParameter:
		return "CIM_ERR_INVALID_PARAMETER"
	case StatusInvalidClass:
		return "CIM_ERR_INVALID_CLASS"
	case StatusNotFound:
		return "CIM_ERR_NOT_FOUND"
	case StatusNotSupported:
		return "CIM_ERR_NOT_SUPPORTED"
	case StatusAlreadyExists:
		return "CIM_ERR_ALREADY_EXISTS"
	case StatusMethodNotFound:
		return "CIM_ERR_METHOD_NOT_FOUND"
	case StatusServerShutdown:
		return "CIM_ERR_SERVER_IS_SHUTTING_DOWN"
	default:
		return fmt.Sprintf("CIM_ERR_%d", uint16(c))
	}
}

// HTTPStatus map the CIM status to a HTTP response code
func (c CIMStatusCode) HTTPStatus() int {
	switch c {
	case StatusAccessDenied:
		return http.StatusForbidden
	case StatusInvalidNamespace, StatusInvalidParameter, StatusInvalidClass:
		return http.StatusBadRequest
	case StatusNotFound, StatusMethodNotFound:
		return http.StatusNotFound
	case StatusNotSupported:
		return http.StatusNotImplemented
	case StatusAlreadyExists:
		return http.StatusConflict
	case StatusServerShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CIMError an error carrying a CIM status code
type CIMError struct {
	// Code is the CIM status code
	Code CIMStatusCode `json:"code"`
	// Message is the error description
	Message string `json:"message"`
	cause   error
}

// Error implements error
func (e *CIMError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap the underlying cause
func (e *CIMError) Unwrap() error {
	return e.cause
}

// NewCIMError define a new CIMError
func NewCIMError(code CIMStatusCode, format string, args ...interface{}) *CIMError {
	return &CIMError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapCIMError define a new CIMError with an underlying cause
func WrapCIMError(code CIMStatusCode, cause error, format string, args ...interface{}) *CIMError {
	return &CIMError{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// ToCIMError convert any error into a CIMError. Errors which are not already a CIMError
// become StatusFailed.
func ToCIMError(err error) *CIMError {
	if err == nil {
		return nil
	}
	var cimErr *CIMError
	if errors.As(err, &cimErr) {
		return cimErr
	}
	return &CIMError{Code: StatusFailed, Message: err.Error(), cause: err}
}

// ErrorCode fetch the CIM status code of an error
func ErrorCode(err error) CIMStatusCode {
	if cimErr := ToCIMError(err); cimErr != nil {
		return cimErr.Code
	}
	return 0
}

// Sentinel errors of the service
var (
	// ErrNoProvider no provider can serve the subscription
	ErrNoProvider = errors.New("no indication provider available")
	// ErrCorruptedInstance a persisted instance is missing required properties
	ErrCorruptedInstance = errors.New("corrupted instance")
	// ErrTimeout an operation exceeded its time budget
	ErrTimeout = errors.New("operation timed out")
	// ErrNotFound the requested object does not exist
	ErrNotFound = errors.New("object not found")
)
