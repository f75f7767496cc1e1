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

package query

import (
	"fmt"

	"github.com/alwitt/indisvc/common"
	"github.com/google/cel-go/cel"
)

// Expression a compiled filter query. Safe for concurrent use.
type Expression struct {
	query            string
	language         string
	namespace        string
	className        string
	selectProperties []string
	whereProperties  []string
	program          cel.Program
}

// withNamespace copy bound to a namespace
func (e *Expression) withNamespace(namespace string) *Expression {
	result := *e
	result.namespace = namespace
	return &result
}

// ClassName the FROM class of the query
func (e *Expression) ClassName() string {
	return e.className
}

// Namespace the namespace the query was compiled for
func (e *Expression) Namespace() string {
	return e.namespace
}

// Language the query language
func (e *Expression) Language() string {
	return e.language
}

// Query the query text
func (e *Expression) Query() string {
	return e.query
}

// SelectPropertyNames the properties of the select list. nil means all properties.
func (e *Expression) SelectPropertyNames() []string {
	if e.selectProperties == nil {
		return nil
	}
	return append([]string{}, e.selectProperties...)
}

// WherePropertyNames the properties referenced by the where clause
func (e *Expression) WherePropertyNames() []string {
	return append([]string{}, e.whereProperties...)
}

// Evaluate test the indication against the where clause. A query without a where
// clause matches every indication.
func (e *Expression) Evaluate(indication common.Instance) (bool, error) {
	if e.program == nil {
		return true, nil
	}
	properties := make(map[string]interface{}, len(indication.Properties))
	for name, value := range indication.Properties {
		properties[name] = value
	}
	// The expression may spell a property name in a different case
	for _, name := range e.whereProperties {
		if _, ok := properties[name]; ok {
			continue
		}
		if value, ok := indication.Property(name); ok {
			properties[name] = value
		}
	}
	out, _, err := e.program.Eval(map[string]interface{}{indicationVar: properties})
	if err != nil {
		return false, err
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("query %s evaluated to non-boolean %v", e, out.Value())
	}
	return result, nil
}

// ApplyProjection trim the indication down to the select list. When includeRequired
// is set, the where clause properties are kept as well.
func (e *Expression) ApplyProjection(indication common.Instance, includeRequired bool) common.Instance {
	result := indication.Clone()
	if e.selectProperties == nil {
		return result
	}
	keep := append([]string{}, e.selectProperties...)
	if includeRequired {
		keep = append(keep, e.whereProperties...)
	}
	for name := range result.Properties {
		if !common.ContainsFold(keep, name) {
			delete(result.Properties, name)
		}
	}
	return result
}
