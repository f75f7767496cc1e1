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

	"github.com/alwitt/indisvc/common"
	"github.com/apex/log"
)

func (r *repositoryImpl) RegisterProvider(
	ctx context.Context, reg common.ProviderRegistration,
) (*common.ProviderRegistration, error) {
	if err := r.validateInstance(reg, "provider registration"); err != nil {
		return nil, err
	}
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	var previous *common.ProviderRegistration
	var existing common.ProviderRegistration
	err := r.get(ctx, providerKey(reg.Provider), &existing, "provider "+reg.Provider.String())
	if err == nil {
		previous = &existing
	} else if common.ErrorCode(err) != common.StatusNotFound {
		return nil, err
	}
	if err := r.set(ctx, providerKey(reg.Provider), reg, "provider "+reg.Provider.String()); err != nil {
		return nil, err
	}
	log.WithFields(r.LogTags).Debugf(
		"Registered provider %s for %d classes in %d namespaces",
		reg.Provider, len(reg.ClassNames), len(reg.Namespaces),
	)
	return previous, nil
}

func (r *repositoryImpl) UnregisterProvider(
	ctx context.Context, id common.ProviderID,
) (common.ProviderRegistration, error) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	var existing common.ProviderRegistration
	if err := r.get(ctx, providerKey(id), &existing, "provider "+id.String()); err != nil {
		return existing, err
	}
	return existing, r.delete(ctx, providerKey(id), "provider "+id.String())
}

func (r *repositoryImpl) GetProviderRegistration(
	ctx context.Context, id common.ProviderID,
) (common.ProviderRegistration, error) {
	var reg common.ProviderRegistration
	err := r.get(ctx, providerKey(id), &reg, "provider "+id.String())
	return reg, err
}

func (r *repositoryImpl) EnumerateProviders(
	ctx context.Context,
) ([]common.ProviderRegistration, error) {
	result := []common.ProviderRegistration{}
	err := r.scan(ctx, prefixProvider, func(_ string, raw []byte) error {
		var reg common.ProviderRegistration
		if err := reg.Scan(raw); err != nil {
			return err
		}
		result = append(result, reg)
		return nil
	})
	return result, err
}

func (r *repositoryImpl) SetProviderDisabled(
	ctx context.Context, id common.ProviderID, disabled bool,
) error {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	var reg common.ProviderRegistration
	if err := r.get(ctx, providerKey(id), &reg, "provider "+id.String()); err != nil {
		return err
	}
	if reg.Disabled == disabled {
		return nil
	}
	reg.Disabled = disabled
	return r.set(ctx, providerKey(id), reg, "provider "+id.String())
}

func (r *repositoryImpl) FindIndicationProviders(
	ctx context.Context, subclasses []common.NamespaceClassList,
) ([]common.ProviderClassList, error) {
	registrations, err := r.EnumerateProviders(ctx)
	if err != nil {
		return nil, err
	}
	result := []common.ProviderClassList{}
	for _, reg := range registrations {
		if reg.Disabled {
			continue
		}
		if served := ServedClasses(reg, subclasses); len(served) > 0 {
			result = append(result, common.ProviderClassList{
				Provider:        reg.Provider,
				SecurityContext: reg.SecurityContext,
				Classes:         served,
			})
		}
	}
	return result, nil
}

// ServedClasses the subset of the namespace class lists the registration serves
func ServedClasses(
	reg common.ProviderRegistration, subclasses []common.NamespaceClassList,
) []common.NamespaceClassList {
	served := []common.NamespaceClassList{}
	for _, nsClasses := range subclasses {
		if !common.ContainsFold(reg.Namespaces, nsClasses.Namespace) {
			continue
		}
		classes := []string{}
		for _, className := range nsClasses.ClassNames {
			if common.ContainsFold(reg.ClassNames, className) {
				classes = append(classes, className)
			}
		}
		if len(classes) > 0 {
			served = append(served, common.NamespaceClassList{
				Namespace: nsClasses.Namespace, ClassNames: classes,
			})
		}
	}
	return served
}
