// Copyright 2025 The crashstream Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package alerting

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/crashstream/crashstream/internal/store"
)

// expr is a parsed custom-rule condition: "<field> <op> <number>".
// Fields: count, users, level (aggregation-scoped) and rate
// (project-scoped). Operators: > >= < <= ==.
type expr struct {
	field string
	op    string
	value float64
}

// ValidateCondition checks a custom-rule condition without evaluating it.
// The admin API rejects rules it cannot parse instead of letting them fail
// silently at evaluation time.
func ValidateCondition(s string) error {
	_, err := parseExpr(s)
	return err
}

func parseExpr(s string) (expr, error) {
	parts := strings.Fields(s)
	if len(parts) != 3 {
		return expr{}, fmt.Errorf("condition %q: want <field> <op> <number>", s)
	}
	ex := expr{field: parts[0], op: parts[1]}
	switch ex.field {
	case "count", "users", "level", "rate":
	default:
		return expr{}, fmt.Errorf("condition %q: unknown field %q", s, ex.field)
	}
	switch ex.op {
	case ">", ">=", "<", "<=", "==":
	default:
		return expr{}, fmt.Errorf("condition %q: unknown operator %q", s, ex.op)
	}
	v, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return expr{}, fmt.Errorf("condition %q: bad number %q", s, parts[2])
	}
	ex.value = v
	return ex, nil
}

func (ex expr) holds(measured float64) bool {
	switch ex.op {
	case ">":
		return measured > ex.value
	case ">=":
		return measured >= ex.value
	case "<":
		return measured < ex.value
	case "<=":
		return measured <= ex.value
	case "==":
		return measured == ex.value
	}
	return false
}

// exprValue evaluates a custom condition against the aggregation and the
// project windows.
func (e *Evaluator) exprValue(ctx context.Context, ex expr, agg *store.ErrorAggregation, win time.Duration) (measured float64, fired, scoped bool, err error) {
	scoped = true
	switch ex.field {
	case "count":
		measured = float64(agg.OccurrenceCount)
	case "users":
		measured = float64(agg.AffectedUsers)
	case "level":
		measured = float64(agg.ErrorLevel)
	case "rate":
		scoped = false
		measured, err = e.errorRate(ctx, agg.ProjectID, win)
		if err != nil {
			return 0, false, false, err
		}
	}
	return measured, ex.holds(measured), scoped, nil
}
