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
	"regexp"
	"strings"

	"github.com/alwitt/indisvc/common"
	"github.com/alwitt/indisvc/metrics"
	"github.com/apex/log"
	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	lru "github.com/hashicorp/golang-lru"
)

// Supported query languages
const (
	LanguageWQL = "WQL"
	LanguageCQL = "DMTF:CQL"
)

// indicationVar is the CEL variable holding the indication properties
const indicationVar = "indication"

var queryPattern = regexp.MustCompile(
	`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+([A-Za-z_][A-Za-z0-9_]*)\s*(?:\s+WHERE\s+(.+?))?\s*$`,
)

var propertyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Compiler builds filter query expressions
type Compiler interface {
	// Compile parse and compile a filter query
	Compile(query, language, namespace string) (*Expression, error)
}

// compilerImpl implements Compiler
type compilerImpl struct {
	common.Component
	env   *cel.Env
	cache *lru.TwoQueueCache
}

// DefineCompiler define a new query compiler, caching up to cacheSize compiled queries
func DefineCompiler(cacheSize int) (Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable(indicationVar, cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New2Q(cacheSize)
	if err != nil {
		return nil, err
	}
	logTags := log.Fields{"module": "query", "component": "compiler"}
	return &compilerImpl{
		Component: common.Component{LogTags: logTags},
		env:       env,
		cache:     cache,
	}, nil
}

// SupportedLanguage whether the query language is accepted
func SupportedLanguage(language string) bool {
	return strings.EqualFold(language, LanguageWQL) || strings.EqualFold(language, LanguageCQL)
}

// Compile parse and compile a filter query
func (c *compilerImpl) Compile(query, language, namespace string) (*Expression, error) {
	if !SupportedLanguage(language) {
		return nil, common.NewCIMError(
			common.StatusNotSupported, "query language '%s' is not supported", language,
		)
	}
	cacheKey := strings.ToUpper(language) + "\x00" + query
	if cached, ok := c.cache.Get(cacheKey); ok {
		metrics.GetMetrics().QueryCacheHits.Inc()
		return cached.(*Expression).withNamespace(namespace), nil
	}
	metrics.GetMetrics().QueryCacheMisses.Inc()

	parts := queryPattern.FindStringSubmatch(query)
	if parts == nil {
		return nil, common.NewCIMError(
			common.StatusInvalidParameter, "malformed query '%s'", query,
		)
	}
	expr := &Expression{
		query:     query,
		language:  language,
		className: parts[2],
	}

	selectList := strings.TrimSpace(parts[1])
	if selectList != "*" {
		for _, property := range strings.Split(selectList, ",") {
			property = strings.TrimSpace(property)
			if !propertyPattern.MatchString(property) {
				return nil, common.NewCIMError(
					common.StatusInvalidParameter,
					"invalid property '%s' in select list of '%s'", property, query,
				)
			}
			expr.selectProperties = append(expr.selectProperties, property)
		}
	}

	if where := strings.TrimSpace(parts[3]); where != "" {
		ast, issues := c.env.Compile(where)
		if issues != nil && issues.Err() != nil {
			return nil, common.WrapCIMError(
				common.StatusInvalidParameter, issues.Err(), "invalid where clause in '%s'", query,
			)
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, common.NewCIMError(
				common.StatusInvalidParameter,
				"where clause of '%s' is not a boolean expression", query,
			)
		}
		program, err := c.env.Program(ast)
		if err != nil {
			return nil, common.WrapCIMError(
				common.StatusInvalidParameter, err, "unable to build program for '%s'", query,
			)
		}
		expr.program = program
		expr.whereProperties = referencedProperties(ast)
	}

	c.cache.Add(cacheKey, expr)
	log.WithFields(c.LogTags).Debugf("Compiled query '%s'", query)
	return expr.withNamespace(namespace), nil
}

// referencedProperties the indication properties referenced by a compiled expression
func referencedProperties(compiled *cel.Ast) []string {
	seen := map[string]bool{}
	refs := []string{}
	celast.PreOrderVisit(
		compiled.NativeRep().Expr(),
		celast.NewExprVisitor(func(e celast.Expr) {
			if e.Kind() != celast.SelectKind {
				return
			}
			sel := e.AsSelect()
			operand := sel.Operand()
			if operand.Kind() == celast.IdentKind && operand.AsIdent() == indicationVar {
				name := sel.FieldName()
				if !seen[strings.ToLower(name)] {
					seen[strings.ToLower(name)] = true
					refs = append(refs, name)
				}
			}
		}),
	)
	return refs
}

// ValidateQuery check a query compiles. Returns the FROM class.
func ValidateQuery(c Compiler, query, language, namespace string) (string, error) {
	expr, err := c.Compile(query, language, namespace)
	if err != nil {
		return "", err
	}
	return expr.ClassName(), nil
}

// String display form
func (e *Expression) String() string {
	return fmt.Sprintf("%s[%s]", e.language, e.query)
}
