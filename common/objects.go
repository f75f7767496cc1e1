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
	"fmt"
	"sort"
	"strings"
)

// KeyBinding is one key property of an object path
type KeyBinding struct {
	// Name is the key property name
	Name string `json:"name" validate:"required"`
	// Value is the string form of the key value. Ignored when Ref is set.
	Value string `json:"value,omitempty"`
	// Ref is set when the key property is a reference to another object
	Ref *ObjectPath `json:"ref,omitempty" validate:"omitempty"`
}

// ObjectPath identifies one instance within a namespace
type ObjectPath struct {
	// Namespace is the namespace holding the instance. May be empty in references.
	Namespace string `json:"namespace,omitempty"`
	// ClassName is the instance's class
	ClassName string `json:"class_name" validate:"required"`
	// KeyBindings are the key properties of the instance
	KeyBindings []KeyBinding `json:"key_bindings" validate:"required,dive"`
}

// IsZero whether the path is unset
func (p ObjectPath) IsZero() bool {
	return p.ClassName == "" && len(p.KeyBindings) == 0
}

// Canonical returns the case and order insensitive string form of the path.
//
// Namespace, class, and key names are lower-cased, bindings are sorted by name, and
// reference values are canonicalized recursively. Plain key values keep their case.
func (p ObjectPath) Canonical() string {
	bindings := make([]string, 0, len(p.KeyBindings))
	for _, kb := range p.KeyBindings {
		value := kb.Value
		if kb.Ref != nil {
			value = kb.Ref.Canonical()
		}
		bindings = append(bindings, fmt.Sprintf("%s=%q", strings.ToLower(kb.Name), value))
	}
	sort.Strings(bindings)
	return fmt.Sprintf(
		"%s:%s.%s",
		strings.ToLower(p.Namespace),
		strings.ToLower(p.ClassName),
		strings.Join(bindings, ","),
	)
}

// String the display form of the path
func (p ObjectPath) String() string {
	bindings := make([]string, 0, len(p.KeyBindings))
	for _, kb := range p.KeyBindings {
		if kb.Ref != nil {
			bindings = append(bindings, fmt.Sprintf("%s=%q", kb.Name, kb.Ref.String()))
		} else {
			bindings = append(bindings, fmt.Sprintf("%s=%q", kb.Name, kb.Value))
		}
	}
	if p.Namespace == "" {
		return fmt.Sprintf("%s.%s", p.ClassName, strings.Join(bindings, ","))
	}
	return fmt.Sprintf("%s:%s.%s", p.Namespace, p.ClassName, strings.Join(bindings, ","))
}

// Equal compare two paths ignoring case of names and order of bindings
func (p ObjectPath) Equal(other ObjectPath) bool {
	return p.Canonical() == other.Canonical()
}

// WithoutNamespace copy of the path with the namespace removed, recursively
func (p ObjectPath) WithoutNamespace() ObjectPath {
	result := ObjectPath{ClassName: p.ClassName, KeyBindings: make([]KeyBinding, len(p.KeyBindings))}
	for idx, kb := range p.KeyBindings {
		result.KeyBindings[idx] = KeyBinding{Name: kb.Name, Value: kb.Value}
		if kb.Ref != nil {
			ref := kb.Ref.WithoutNamespace()
			result.KeyBindings[idx].Ref = &ref
		}
	}
	return result
}

// KeyValue fetch a key binding by name (case-insensitive)
func (p ObjectPath) KeyValue(name string) (KeyBinding, bool) {
	for _, kb := range p.KeyBindings {
		if strings.EqualFold(kb.Name, name) {
			return kb, true
		}
	}
	return KeyBinding{}, false
}

// ===============================================================================
// Instances and classes

// Instance is a generic CIM instance. Used for indications.
type Instance struct {
	// ClassName is the instance's class
	ClassName string `json:"class_name" validate:"required"`
	// Path is the optional object path of the instance
	Path *ObjectPath `json:"path,omitempty" validate:"omitempty"`
	// Properties are the property values of the instance
	Properties map[string]interface{} `json:"properties"`
}

// Property fetch a property value by name (case-insensitive)
func (i Instance) Property(name string) (interface{}, bool) {
	if v, ok := i.Properties[name]; ok {
		return v, true
	}
	for propName, v := range i.Properties {
		if strings.EqualFold(propName, name) {
			return v, true
		}
	}
	return nil, false
}

// PropertyNames list the names of the properties set on the instance
func (i Instance) PropertyNames() []string {
	result := make([]string, 0, len(i.Properties))
	for name := range i.Properties {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Clone make a shallow copy of the instance with its own property map
func (i Instance) Clone() Instance {
	result := Instance{ClassName: i.ClassName, Properties: make(map[string]interface{}, len(i.Properties))}
	if i.Path != nil {
		path := *i.Path
		result.Path = &path
	}
	for k, v := range i.Properties {
		result.Properties[k] = v
	}
	return result
}

// ClassDef is the subset of a CIM class definition the service needs
type ClassDef struct {
	// Name is the class name
	Name string `json:"name" validate:"required"`
	// SuperClass is the parent class name. Empty for root classes.
	SuperClass string `json:"super_class,omitempty"`
	// Properties are the names of all properties, including inherited ones
	Properties []string `json:"properties"`
}

// HasProperty whether the class defines the property (case-insensitive)
func (c ClassDef) HasProperty(name string) bool {
	for _, prop := range c.Properties {
		if strings.EqualFold(prop, name) {
			return true
		}
	}
	return false
}

// ===============================================================================

// NamespaceClassList is a set of classes within one namespace
type NamespaceClassList struct {
	// Namespace is the namespace name
	Namespace string `json:"namespace" validate:"required"`
	// ClassNames is the list of class names within that namespace
	ClassNames []string `json:"class_names"`
}

// ContainsClass whether the list includes the class (case-insensitive)
func (l NamespaceClassList) ContainsClass(className string) bool {
	return ContainsFold(l.ClassNames, className)
}

// ContainsFold case-insensitive string slice membership
func ContainsFold(list []string, value string) bool {
	for _, entry := range list {
		if strings.EqualFold(entry, value) {
			return true
		}
	}
	return false
}
