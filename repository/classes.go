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
	"strings"

	"github.com/alwitt/indisvc/common"
	"github.com/apex/log"
)

// DefaultIndicationClasses the standard indication class hierarchy, parents first
var DefaultIndicationClasses = []common.ClassDef{
	{
		Name: common.ClassIndication,
		Properties: []string{
			"IndicationIdentifier", "CorrelatedIndications", "IndicationTime",
			"PerceivedSeverity", "OtherSeverity", "IndicationFilterName",
			"SequenceContext", "SequenceNumber",
		},
	},
	{Name: "CIM_ClassIndication", SuperClass: common.ClassIndication, Properties: []string{"ClassDefinition"}},
	{Name: "CIM_ClassCreation", SuperClass: "CIM_ClassIndication"},
	{Name: "CIM_ClassDeletion", SuperClass: "CIM_ClassIndication"},
	{Name: "CIM_ClassModification", SuperClass: "CIM_ClassIndication", Properties: []string{"PreviousClassDefinition"}},
	{
		Name:       "CIM_InstIndication",
		SuperClass: common.ClassIndication,
		Properties: []string{"SourceInstance", "SourceInstanceModelPath", "SourceInstanceHost"},
	},
	{Name: "CIM_InstCreation", SuperClass: "CIM_InstIndication"},
	{Name: "CIM_InstDeletion", SuperClass: "CIM_InstIndication"},
	{Name: "CIM_InstModification", SuperClass: "CIM_InstIndication", Properties: []string{"PreviousInstance"}},
	{Name: "CIM_InstMethodCall", SuperClass: "CIM_InstIndication", Properties: []string{"MethodName", "MethodParameters", "ReturnValue", "PreCall"}},
	{Name: "CIM_ProcessIndication", SuperClass: common.ClassIndication},
	{
		Name:       "CIM_AlertIndication",
		SuperClass: "CIM_ProcessIndication",
		Properties: []string{
			"Description", "AlertingManagedElement", "AlertingElementFormat",
			"OtherAlertingElementFormat", "AlertType", "OtherAlertType", "ProbableCause",
			"ProbableCauseDescription", "Trending", "RecommendedActions", "EventID",
			"EventTime", "SystemCreationClassName", "SystemName", "ProviderName",
		},
	},
	{Name: "CIM_ThresholdIndication", SuperClass: "CIM_AlertIndication", Properties: []string{"ThresholdIdentifier", "ThresholdValue", "ObservedValue"}},
	{Name: "CIM_SNMPTrapIndication", SuperClass: "CIM_ProcessIndication", Properties: []string{"Enterprise", "AgentAddress", "GenericTrap", "SpecificTrap", "TimeStamp", "VarBindNames", "VarBindSyntaxes", "VarBindValues"}},
}

// classRecord persisted form of a class definition. Properties are the class's own;
// inherited properties are merged on read.
type classRecord struct {
	common.ClassDef
}

func (r *repositoryImpl) getClassRecord(
	ctx context.Context, namespace, className string,
) (common.ClassDef, error) {
	var record classRecord
	if err := r.get(
		ctx, classKey(namespace, className), jsonRecord{target: &record}, "class "+className,
	); err != nil {
		if common.ErrorCode(err) == common.StatusNotFound {
			return common.ClassDef{}, common.WrapCIMError(
				common.StatusInvalidClass, common.ErrNotFound,
				"class %s not defined in %s", className, namespace,
			)
		}
		return common.ClassDef{}, err
	}
	return record.ClassDef, nil
}

func (r *repositoryImpl) GetClass(
	ctx context.Context, namespace, className string,
) (common.ClassDef, error) {
	class, err := r.getClassRecord(ctx, namespace, className)
	if err != nil {
		return class, err
	}
	result := common.ClassDef{
		Name:       class.Name,
		SuperClass: class.SuperClass,
		Properties: append([]string{}, class.Properties...),
	}
	visited := map[string]bool{strings.ToLower(class.Name): true}
	for parent := class.SuperClass; parent != ""; {
		if visited[strings.ToLower(parent)] {
			break
		}
		visited[strings.ToLower(parent)] = true
		parentDef, err := r.getClassRecord(ctx, namespace, parent)
		if err != nil {
			return result, err
		}
		for _, property := range parentDef.Properties {
			if !result.HasProperty(property) {
				result.Properties = append(result.Properties, property)
			}
		}
		parent = parentDef.SuperClass
	}
	return result, nil
}

func (r *repositoryImpl) DefineClass(
	ctx context.Context, namespace string, class common.ClassDef,
) error {
	if err := r.validateInstance(class, "class"); err != nil {
		return err
	}
	if namespace == "" {
		return common.NewCIMError(common.StatusInvalidNamespace, "namespace required")
	}
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	// The superclass chain must exist and must not loop back to the class
	for parent := class.SuperClass; parent != ""; {
		if strings.EqualFold(parent, class.Name) {
			return common.NewCIMError(
				common.StatusInvalidParameter, "class %s can not inherit from itself", class.Name,
			)
		}
		parentDef, err := r.getClassRecord(ctx, namespace, parent)
		if err != nil {
			return err
		}
		parent = parentDef.SuperClass
	}
	return r.set(
		ctx, classKey(namespace, class.Name), jsonRecord{target: classRecord{class}},
		"class "+class.Name,
	)
}

// enumerateClasses all class records of a namespace
func (r *repositoryImpl) enumerateClasses(
	ctx context.Context, namespace string,
) ([]common.ClassDef, error) {
	result := []common.ClassDef{}
	err := r.scan(ctx, namespacePrefix(prefixClass, namespace), func(_ string, raw []byte) error {
		var record classRecord
		if err := (jsonRecord{target: &record}).Scan(raw); err != nil {
			return err
		}
		result = append(result, record.ClassDef)
		return nil
	})
	return result, err
}

func (r *repositoryImpl) GetIndicationSubclasses(
	ctx context.Context, namespace, className string,
) ([]string, error) {
	root, err := r.getClassRecord(ctx, namespace, className)
	if err != nil {
		return nil, err
	}
	classes, err := r.enumerateClasses(ctx, namespace)
	if err != nil {
		return nil, err
	}
	children := map[string][]string{}
	for _, class := range classes {
		if class.SuperClass == "" {
			continue
		}
		parent := strings.ToLower(class.SuperClass)
		children[parent] = append(children[parent], class.Name)
	}
	result := []string{root.Name}
	seen := map[string]bool{strings.ToLower(root.Name): true}
	for idx := 0; idx < len(result); idx++ {
		for _, child := range children[strings.ToLower(result[idx])] {
			if seen[strings.ToLower(child)] {
				continue
			}
			seen[strings.ToLower(child)] = true
			result = append(result, child)
		}
	}
	return result, nil
}

func (r *repositoryImpl) ValidateIndicationClassName(
	ctx context.Context, namespace, className string,
) error {
	visited := map[string]bool{}
	for current := className; current != ""; {
		if strings.EqualFold(current, common.ClassIndication) {
			return nil
		}
		if visited[strings.ToLower(current)] {
			break
		}
		visited[strings.ToLower(current)] = true
		class, err := r.getClassRecord(ctx, namespace, current)
		if err != nil {
			return err
		}
		current = class.SuperClass
	}
	return common.NewCIMError(
		common.StatusInvalidParameter, "%s is not an indication class", className,
	)
}

func (r *repositoryImpl) GetSourceNamespaces(filter common.Filter) []string {
	return filter.EffectiveSourceNamespaces()
}

func (r *repositoryImpl) InstallDefaultClasses(ctx context.Context, namespaces []string) error {
	for _, namespace := range namespaces {
		installed := 0
		for _, class := range DefaultIndicationClasses {
			if _, err := r.getClassRecord(ctx, namespace, class.Name); err == nil {
				continue
			}
			if err := r.DefineClass(ctx, namespace, class); err != nil {
				return err
			}
			installed++
		}
		log.WithFields(r.LogTags).Debugf(
			"Installed %d default indication classes in %s", installed, namespace,
		)
	}
	return nil
}
