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

package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/storage"
	"github.com/alwitt/indisvc/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// FilterProperties the filter fields the service needs for a subscription
type FilterProperties struct {
	// Query is the filter query
	Query string
	// QueryLanguage is the filter query language
	QueryLanguage string
	// SourceNamespaces are the namespaces the filter watches
	SourceNamespaces []string
	// FilterName is the filter name
	FilterName string
}

// Repository durable store of filters, handlers, subscriptions, indication classes,
// and provider registrations
type Repository interface {
	// ------------------------------------------------------------------------------
	// Filters

	// GetFilter fetch a filter
	GetFilter(ctx context.Context, namespace, name string) (common.Filter, error)
	// EnumerateFilters list the filters of a namespace
	EnumerateFilters(ctx context.Context, namespace string) ([]common.Filter, error)
	// EnumerateFilterNames list the filter paths of a namespace
	EnumerateFilterNames(ctx context.Context, namespace string) ([]common.ObjectPath, error)
	// CreateFilter persist a new filter
	CreateFilter(ctx context.Context, filter common.Filter) error
	// DeleteFilter delete a filter. Blocked while a subscription references it.
	DeleteFilter(ctx context.Context, namespace, name string) error

	// ------------------------------------------------------------------------------
	// Handlers

	// GetHandler fetch a handler
	GetHandler(ctx context.Context, namespace, className, name string) (common.Handler, error)
	// EnumerateHandlers list the handlers of a namespace
	EnumerateHandlers(ctx context.Context, namespace string) ([]common.Handler, error)
	// EnumerateHandlerNames list the handler paths of a namespace
	EnumerateHandlerNames(ctx context.Context, namespace string) ([]common.ObjectPath, error)
	// CreateHandler persist a new handler
	CreateHandler(ctx context.Context, handler common.Handler) error
	// ModifyHandler replace an existing handler
	ModifyHandler(ctx context.Context, handler common.Handler) error
	// DeleteHandler delete a handler. Blocked while a subscription references it.
	DeleteHandler(ctx context.Context, namespace, className, name string) error

	// ------------------------------------------------------------------------------
	// Subscriptions

	// GetSubscription fetch a subscription by path
	GetSubscription(ctx context.Context, path common.ObjectPath) (common.Subscription, error)
	// EnumerateSubscriptions list the subscriptions of a namespace
	EnumerateSubscriptions(ctx context.Context, namespace string) ([]common.Subscription, error)
	// EnumerateSubscriptionNames list the subscription paths of a namespace
	EnumerateSubscriptionNames(ctx context.Context, namespace string) ([]common.ObjectPath, error)
	// CreateSubscription persist a new subscription. The filter and handler must exist.
	CreateSubscription(ctx context.Context, sub common.Subscription) error
	// ModifySubscription replace an existing subscription
	ModifySubscription(ctx context.Context, sub common.Subscription) error
	// DeleteSubscription delete a subscription
	DeleteSubscription(ctx context.Context, path common.ObjectPath) error
	// GetAllSubscriptions list the subscriptions of every namespace
	GetAllSubscriptions(ctx context.Context) ([]common.Subscription, error)
	// GetActiveSubscriptions list the enabled subscriptions, skipping corrupted ones
	GetActiveSubscriptions(ctx context.Context) ([]common.Subscription, error)
	// GetFilterProperties fetch the filter fields of a subscription
	GetFilterProperties(ctx context.Context, sub common.Subscription) (FilterProperties, error)
	// GetHandlerForSubscription fetch the handler of a subscription
	GetHandlerForSubscription(ctx context.Context, sub common.Subscription) (common.Handler, error)
	// IsTransient whether the referenced handler is transient
	IsTransient(ctx context.Context, namespace string, handlerPath common.ObjectPath) (bool, error)
	// DeleteReferencingSubscriptions delete every subscription referencing the handler.
	// Returns the deleted subscriptions.
	DeleteReferencingSubscriptions(
		ctx context.Context, namespace string, handlerPath common.ObjectPath,
	) ([]common.Subscription, error)
	// ReconcileFatalError apply the fatal error policy of a subscription which lost all
	// of its providers. Returns true if the subscription was disabled or removed.
	ReconcileFatalError(sub common.Subscription) bool

	// ------------------------------------------------------------------------------
	// Pending creates

	// BeginCreateSubscription mark a subscription create as pending
	BeginCreateSubscription(path common.ObjectPath) (*CreateGuard, error)
	// GetUncommittedCreateSubscriptionRequests whether any create is pending
	GetUncommittedCreateSubscriptionRequests() bool

	// ------------------------------------------------------------------------------
	// Classes

	// GetClass fetch a class definition
	GetClass(ctx context.Context, namespace, className string) (common.ClassDef, error)
	// DefineClass persist a class definition. The superclass must already exist.
	DefineClass(ctx context.Context, namespace string, class common.ClassDef) error
	// GetIndicationSubclasses the class and all of its subclasses within a namespace
	GetIndicationSubclasses(ctx context.Context, namespace, className string) ([]string, error)
	// ValidateIndicationClassName check the class exists and is an indication class
	ValidateIndicationClassName(ctx context.Context, namespace, className string) error
	// GetSourceNamespaces the namespaces a filter watches
	GetSourceNamespaces(filter common.Filter) []string
	// InstallDefaultClasses define the standard indication class hierarchy in the
	// namespaces, skipping classes already present
	InstallDefaultClasses(ctx context.Context, namespaces []string) error

	// ------------------------------------------------------------------------------
	// Providers

	// RegisterProvider record a provider registration. Returns the previous
	// registration if one existed.
	RegisterProvider(
		ctx context.Context, reg common.ProviderRegistration,
	) (*common.ProviderRegistration, error)
	// UnregisterProvider remove a provider registration
	UnregisterProvider(ctx context.Context, id common.ProviderID) (common.ProviderRegistration, error)
	// GetProviderRegistration fetch a provider registration
	GetProviderRegistration(ctx context.Context, id common.ProviderID) (common.ProviderRegistration, error)
	// EnumerateProviders list all provider registrations
	EnumerateProviders(ctx context.Context) ([]common.ProviderRegistration, error)
	// SetProviderDisabled mark a provider disabled or enabled
	SetProviderDisabled(ctx context.Context, id common.ProviderID, disabled bool) error
	// FindIndicationProviders the enabled providers serving any of the classes, per
	// namespace, merged by provider identity
	FindIndicationProviders(
		ctx context.Context, subclasses []common.NamespaceClassList,
	) ([]common.ProviderClassList, error)
}

// repositoryImpl implements Repository
type repositoryImpl struct {
	common.Component
	store       storage.KeyValueStore
	callTimeout time.Duration
	validate    *validator.Validate

	// writeLock serializes read-modify-write sequences across records
	writeLock sync.Mutex

	pendingLock    sync.Mutex
	pendingCreates map[subscription.SubscriptionKey]bool
}

// DefineRepository create a new repository on a key-value store
func DefineRepository(store storage.KeyValueStore, callTimeout time.Duration) (Repository, error) {
	if store == nil {
		return nil, fmt.Errorf("repository requires a key-value store")
	}
	logTags := log.Fields{"module": "repository", "component": "repository"}
	return &repositoryImpl{
		Component:      common.Component{LogTags: logTags},
		store:          store,
		callTimeout:    callTimeout,
		validate:       validator.New(),
		pendingCreates: make(map[subscription.SubscriptionKey]bool),
	}, nil
}

// ===============================================================================
// Storage keys

const (
	prefixFilter       = "filter/"
	prefixHandler      = "handler/"
	prefixSubscription = "subscription/"
	prefixClass        = "class/"
	prefixProvider     = "provider/"
)

func filterKey(namespace, name string) string {
	return fmt.Sprintf("%s%s/%s", prefixFilter, strings.ToLower(namespace), name)
}

func handlerKey(namespace, className, name string) string {
	return fmt.Sprintf(
		"%s%s/%s/%s",
		prefixHandler, strings.ToLower(namespace), strings.ToLower(className), name,
	)
}

func subscriptionKey(path common.ObjectPath) string {
	return fmt.Sprintf(
		"%s%s/%s",
		prefixSubscription,
		strings.ToLower(path.Namespace),
		subscription.NewSubscriptionKey(path).String(),
	)
}

func classKey(namespace, className string) string {
	return fmt.Sprintf("%s%s/%s", prefixClass, strings.ToLower(namespace), strings.ToLower(className))
}

func providerKey(id common.ProviderID) string {
	return fmt.Sprintf(
		"%s%s/%s", prefixProvider, strings.ToLower(id.Module), strings.ToLower(id.Name),
	)
}

// namespacePrefix scan prefix of a namespace under a record type
func namespacePrefix(recordPrefix, namespace string) string {
	return fmt.Sprintf("%s%s/", recordPrefix, strings.ToLower(namespace))
}

// ===============================================================================
// Storage helpers

// callContext derive the context of one store call
func (r *repositoryImpl) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.callTimeout > 0 {
		return context.WithTimeout(ctx, r.callTimeout)
	}
	return context.WithCancel(ctx)
}

// translateStoreError convert store errors into CIM errors
func translateStoreError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrKeyNotFound) {
		return common.WrapCIMError(common.StatusNotFound, common.ErrNotFound, "%s not found", what)
	}
	if errors.Is(err, storage.ErrKeyExists) {
		return common.NewCIMError(common.StatusAlreadyExists, "%s already exists", what)
	}
	return common.WrapCIMError(common.StatusFailed, err, "repository failure on %s", what)
}

// jsonRecord adapts a JSON serializable value without Scan / Value to the store
type jsonRecord struct {
	target interface{}
}

// Scan implements the sql.Scanner interface
func (r jsonRecord) Scan(src interface{}) error {
	bytes, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("src is not []byte")
	}
	return json.Unmarshal(bytes, r.target)
}

// Value implements the sql/driver.Valuer interface
func (r jsonRecord) Value() (driver.Value, error) {
	return json.Marshal(r.target)
}

func (r *repositoryImpl) get(ctx context.Context, key string, result sql.Scanner, what string) error {
	useContext, cancel := r.callContext(ctx)
	defer cancel()
	return translateStoreError(r.store.Get(key, result, useContext), what)
}

func (r *repositoryImpl) set(ctx context.Context, key string, value driver.Valuer, what string) error {
	useContext, cancel := r.callContext(ctx)
	defer cancel()
	return translateStoreError(r.store.Set(key, value, useContext), what)
}

func (r *repositoryImpl) create(ctx context.Context, key string, value driver.Valuer, what string) error {
	useContext, cancel := r.callContext(ctx)
	defer cancel()
	return translateStoreError(r.store.Create(key, value, useContext), what)
}

func (r *repositoryImpl) delete(ctx context.Context, key string, what string) error {
	useContext, cancel := r.callContext(ctx)
	defer cancel()
	return translateStoreError(r.store.Delete(key, useContext), what)
}

// scan decode every record under the prefix. Records which fail to decode are logged
// and skipped.
func (r *repositoryImpl) scan(
	ctx context.Context, prefix string, decode func(key string, raw []byte) error,
) error {
	useContext, cancel := r.callContext(ctx)
	defer cancel()
	err := r.store.Scan(prefix, func(key string, value []byte) error {
		if err := decode(key, value); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Skipping unreadable record %s", key)
		}
		return nil
	}, useContext)
	return translateStoreError(err, prefix)
}
