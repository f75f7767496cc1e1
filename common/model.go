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
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Well known class names
const (
	ClassIndicationFilter                = "CIM_IndicationFilter"
	ClassIndicationSubscription          = "CIM_IndicationSubscription"
	ClassFormattedIndicationSubscription = "CIM_FormattedIndicationSubscription"
	ClassListenerDestinationCIMXML       = "CIM_ListenerDestinationCIMXML"
	ClassListenerDestinationWSMAN        = "CIM_ListenerDestinationWSManagement"
	ClassIndicationHandlerCIMXML         = "CIM_IndicationHandlerCIMXML"
	ClassIndicationService               = "CIM_IndicationService"
	ClassIndication                      = "CIM_Indication"

	// PropertyFilter is the subscription's filter reference key
	PropertyFilter = "Filter"
	// PropertyHandler is the subscription's handler reference key
	PropertyHandler = "Handler"
	// PropertyName is the filter / handler name key
	PropertyName = "Name"
	// PropertyCreationClassName is the filter / handler class key
	PropertyCreationClassName = "CreationClassName"
)

// SubscriptionState CIM SubscriptionState values
type SubscriptionState uint16

// Supported SubscriptionState values
const (
	StateUnknown         SubscriptionState = 0
	StateOther           SubscriptionState = 1
	StateEnabled         SubscriptionState = 2
	StateEnabledDegraded SubscriptionState = 3
	StateDisabled        SubscriptionState = 4
)

// String display form
func (s SubscriptionState) String() string {
	switch s {
	case StateOther:
		return "other"
	case StateEnabled:
		return "enabled"
	case StateEnabledDegraded:
		return "enabled-degraded"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// RepeatNotificationPolicy CIM RepeatNotificationPolicy values
type RepeatNotificationPolicy uint16

// Supported RepeatNotificationPolicy values
const (
	RepeatUnknown  RepeatNotificationPolicy = 0
	RepeatOther    RepeatNotificationPolicy = 1
	RepeatNone     RepeatNotificationPolicy = 2
	RepeatSuppress RepeatNotificationPolicy = 3
	RepeatDelay    RepeatNotificationPolicy = 4
)

// FatalErrorPolicy CIM OnFatalErrorPolicy values
type FatalErrorPolicy uint16

// Supported OnFatalErrorPolicy values
const (
	FatalErrorUnknown FatalErrorPolicy = 0
	FatalErrorOther   FatalErrorPolicy = 1
	FatalErrorIgnore  FatalErrorPolicy = 2
	FatalErrorDisable FatalErrorPolicy = 3
	FatalErrorRemove  FatalErrorPolicy = 4
)

// String display form
func (p FatalErrorPolicy) String() string {
	switch p {
	case FatalErrorIgnore:
		return "ignore"
	case FatalErrorDisable:
		return "disable"
	case FatalErrorRemove:
		return "remove"
	case FatalErrorOther:
		return "other"
	default:
		return "unknown"
	}
}

// PersistenceType CIM handler PersistenceType values
type PersistenceType uint16

// Supported PersistenceType values
const (
	PersistenceOther     PersistenceType = 1
	PersistencePermanent PersistenceType = 2
	PersistenceTransient PersistenceType = 3
)

// ===============================================================================
// Filter

// Filter is a named indication query
type Filter struct {
	// Namespace is the namespace the filter is defined in
	Namespace string `json:"namespace" validate:"required"`
	// Name is the filter name
	Name string `json:"name" validate:"required"`
	// Query is the filter query string
	Query string `json:"query" validate:"required"`
	// QueryLanguage is the language of the query
	QueryLanguage string `json:"query_language"`
	// SourceNamespaces are the namespaces the indications are generated in
	SourceNamespaces []string `json:"source_namespaces,omitempty"`
	// CreatorName is the user which created the filter
	CreatorName string `json:"creator"`
}

// Path the filter's object path
func (f Filter) Path() ObjectPath {
	return ObjectPath{
		Namespace: f.Namespace,
		ClassName: ClassIndicationFilter,
		KeyBindings: []KeyBinding{
			{Name: PropertyCreationClassName, Value: ClassIndicationFilter},
			{Name: PropertyName, Value: f.Name},
		},
	}
}

// EffectiveSourceNamespaces source namespaces of the filter. Defaults to the filter's own
// namespace when none are listed.
func (f Filter) EffectiveSourceNamespaces() []string {
	if len(f.SourceNamespaces) == 0 {
		return []string{f.Namespace}
	}
	return f.SourceNamespaces
}

// Scan implements the sql.Scanner interface
func (f *Filter) Scan(src interface{}) error {
	bytes, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("src is not []byte")
	}
	return json.Unmarshal(bytes, f)
}

// Value implements the sql/driver.Valuer interface
func (f Filter) Value() (driver.Value, error) {
	return json.Marshal(&f)
}

// ===============================================================================
// Handler

// Handler is a named indication delivery target
type Handler struct {
	// Namespace is the namespace the handler is defined in
	Namespace string `json:"namespace" validate:"required"`
	// ClassName is the handler class
	ClassName string `json:"class_name" validate:"required"`
	// Name is the handler name
	Name string `json:"name" validate:"required"`
	// Destination is the listener address
	Destination string `json:"destination" validate:"required"`
	// PersistenceType is the handler's persistence type
	PersistenceType PersistenceType `json:"persistence_type"`
	// CreatorName is the user which created the handler
	CreatorName string `json:"creator"`
}

// Path the handler's object path
func (h Handler) Path() ObjectPath {
	return ObjectPath{
		Namespace: h.Namespace,
		ClassName: h.ClassName,
		KeyBindings: []KeyBinding{
			{Name: PropertyCreationClassName, Value: h.ClassName},
			{Name: PropertyName, Value: h.Name},
		},
	}
}

// IsTransient whether the handler is owned by the subscriptions referencing it
func (h Handler) IsTransient() bool {
	return h.PersistenceType == PersistenceTransient
}

// Scan implements the sql.Scanner interface
func (h *Handler) Scan(src interface{}) error {
	bytes, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("src is not []byte")
	}
	return json.Unmarshal(bytes, h)
}

// Value implements the sql/driver.Valuer interface
func (h Handler) Value() (driver.Value, error) {
	return json.Marshal(&h)
}

// ===============================================================================
// Subscription

// Subscription binds one filter to one handler
type Subscription struct {
	// Namespace is the namespace the subscription is defined in
	Namespace string `json:"namespace" validate:"required"`
	// ClassName is the subscription class
	ClassName string `json:"class_name" validate:"required"`
	// Filter references the subscription's filter
	Filter ObjectPath `json:"filter" validate:"required"`
	// Handler references the subscription's handler
	Handler ObjectPath `json:"handler" validate:"required"`
	// State is the subscription state
	State SubscriptionState `json:"state"`
	// OtherStateDescription describes the state when State is Other
	OtherStateDescription string `json:"other_state_description,omitempty"`
	// RepeatNotificationPolicy is the repeat notification policy
	RepeatNotificationPolicy RepeatNotificationPolicy `json:"repeat_notification_policy"`
	// OnFatalErrorPolicy is the disposition when the subscription loses all providers
	OnFatalErrorPolicy FatalErrorPolicy `json:"on_fatal_error_policy"`
	// CreatorName is the user which created the subscription
	CreatorName string `json:"creator"`
	// AcceptLanguages of the creating request
	AcceptLanguages string `json:"accept_languages,omitempty"`
	// ContentLanguages of the creating request
	ContentLanguages string `json:"content_languages,omitempty"`
	// StartTime is when the subscription was first activated
	StartTime *time.Time `json:"start_time,omitempty"`
	// Duration is the subscription lifetime in seconds. nil means no expiry.
	Duration *uint64 `json:"duration_sec,omitempty"`
	// TimeOfLastStateChange is when the state was last modified
	TimeOfLastStateChange time.Time `json:"time_of_last_state_change"`
}

// Path the subscription's object path
func (s Subscription) Path() ObjectPath {
	filter := s.Filter
	handler := s.Handler
	return ObjectPath{
		Namespace: s.Namespace,
		ClassName: s.ClassName,
		KeyBindings: []KeyBinding{
			{Name: PropertyFilter, Ref: &filter},
			{Name: PropertyHandler, Ref: &handler},
		},
	}
}

// IsActive whether the subscription is in an enabled state
func (s Subscription) IsActive() bool {
	return s.State == StateEnabled || s.State == StateEnabledDegraded
}

// IsExpired whether the subscription duration has elapsed by the given time
func (s Subscription) IsExpired(now time.Time) bool {
	if s.Duration == nil || s.StartTime == nil {
		return false
	}
	return now.Sub(*s.StartTime) >= time.Duration(*s.Duration)*time.Second
}

// RemainingDuration time left before expiry. ok is false if the subscription never expires.
func (s Subscription) RemainingDuration(now time.Time) (remaining time.Duration, ok bool) {
	if s.Duration == nil || s.StartTime == nil {
		return 0, false
	}
	remaining = time.Duration(*s.Duration)*time.Second - now.Sub(*s.StartTime)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Scan implements the sql.Scanner interface
func (s *Subscription) Scan(src interface{}) error {
	bytes, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("src is not []byte")
	}
	return json.Unmarshal(bytes, s)
}

// Value implements the sql/driver.Valuer interface
func (s Subscription) Value() (driver.Value, error) {
	return json.Marshal(&s)
}

// ===============================================================================
// Providers

// ModuleSecurityContext the user context a provider module runs under
type ModuleSecurityContext string

// Supported module security contexts
const (
	SecurityContextPrivileged ModuleSecurityContext = "privileged"
	SecurityContextRequestor  ModuleSecurityContext = "requestor"
	SecurityContextDesignated ModuleSecurityContext = "designated"
)

// ProviderID identifies an indication provider
type ProviderID struct {
	// Name is the provider name
	Name string `json:"name" validate:"required"`
	// Module is the provider module name
	Module string `json:"module" validate:"required"`
}

// Equal compare provider identities (case-insensitive)
func (p ProviderID) Equal(other ProviderID) bool {
	return strings.EqualFold(p.Name, other.Name) && strings.EqualFold(p.Module, other.Module)
}

// String display form
func (p ProviderID) String() string {
	return fmt.Sprintf("%s/%s", p.Module, p.Name)
}

// ProviderClassList is one provider's scope of service for a subscription
type ProviderClassList struct {
	// Provider is the serving provider
	Provider ProviderID `json:"provider" validate:"required"`
	// SecurityContext is the provider module's run-as context
	SecurityContext ModuleSecurityContext `json:"security_context,omitempty"`
	// Classes are the indication classes served, per namespace
	Classes []NamespaceClassList `json:"classes" validate:"dive"`
	// ControlProvider marks a built-in provider of the service itself
	ControlProvider bool `json:"control_provider,omitempty"`
	// MatchedIndications is the number of indications from this provider which matched
	// the subscription. Only tracked within the subscription index.
	MatchedIndications uint64 `json:"matched_indications,omitempty"`
}

// Clone deep copy of the class list
func (l ProviderClassList) Clone() ProviderClassList {
	result := l
	result.Classes = make([]NamespaceClassList, len(l.Classes))
	for idx, nsClasses := range l.Classes {
		result.Classes[idx] = NamespaceClassList{
			Namespace:  nsClasses.Namespace,
			ClassNames: append([]string{}, nsClasses.ClassNames...),
		}
	}
	return result
}

// ServesNamespace whether the provider serves any class in the namespace
func (l ProviderClassList) ServesNamespace(namespace string) bool {
	for _, nsClasses := range l.Classes {
		if strings.EqualFold(nsClasses.Namespace, namespace) && len(nsClasses.ClassNames) > 0 {
			return true
		}
	}
	return false
}

// Serves whether the provider serves the class in the namespace
func (l ProviderClassList) Serves(namespace, className string) bool {
	for _, nsClasses := range l.Classes {
		if strings.EqualFold(nsClasses.Namespace, namespace) && nsClasses.ContainsClass(className) {
			return true
		}
	}
	return false
}

// ClassCount total number of (namespace, class) pairs served
func (l ProviderClassList) ClassCount() int {
	count := 0
	for _, nsClasses := range l.Classes {
		count += len(nsClasses.ClassNames)
	}
	return count
}

// ProviderRegistration is a provider's registered indication capability
type ProviderRegistration struct {
	// Provider is the provider identity
	Provider ProviderID `json:"provider" validate:"required"`
	// SecurityContext is the provider module's run-as context
	SecurityContext ModuleSecurityContext `json:"security_context,omitempty"`
	// Namespaces are the namespaces the provider generates indications in
	Namespaces []string `json:"namespaces" validate:"required,min=1"`
	// ClassNames are the indication classes the provider generates
	ClassNames []string `json:"class_names" validate:"required,min=1"`
	// SupportedProperties are the indication properties the provider populates.
	// nil means all properties.
	SupportedProperties []string `json:"supported_properties,omitempty"`
	// Disabled marks the provider as currently disabled
	Disabled bool `json:"disabled,omitempty"`
}

// Scan implements the sql.Scanner interface
func (r *ProviderRegistration) Scan(src interface{}) error {
	bytes, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("src is not []byte")
	}
	return json.Unmarshal(bytes, r)
}

// Value implements the sql/driver.Valuer interface
func (r ProviderRegistration) Value() (driver.Value, error) {
	return json.Marshal(&r)
}
