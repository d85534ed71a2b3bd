/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package conversion

import (
	"fmt"
	"strings"
)

// matches evaluates one conditional case against the source value. String
// comparisons are exact; numeric comparisons coerce both sides.
func matches(c ConditionalCase, value interface{}) (bool, error) {
	switch c.Operator {
	case CondExists:
		return value != nil, nil
	case CondEq:
		return equals(value, c.Operand), nil
	case CondNeq:
		return !equals(value, c.Operand), nil
	case CondGt, CondGte, CondLt, CondLte:
		if value == nil {
			return false, nil
		}
		left, err := asFloat(value)
		if err != nil {
			return false, err
		}
		right, err := asFloat(c.Operand)
		if err != nil {
			return false, err
		}
		switch c.Operator {
		case CondGt:
			return left > right, nil
		case CondGte:
			return left >= right, nil
		case CondLt:
			return left < right, nil
		default:
			return left <= right, nil
		}
	case CondContains, CondStartsWith, CondEndsWith:
		if value == nil {
			return false, nil
		}
		left, err := asString(value)
		if err != nil {
			return false, err
		}
		right, err := asString(c.Operand)
		if err != nil {
			return false, err
		}
		switch c.Operator {
		case CondContains:
			return strings.Contains(left, right), nil
		case CondStartsWith:
			return strings.HasPrefix(left, right), nil
		default:
			return strings.HasSuffix(left, right), nil
		}
	case CondIn, CondNotIn:
		found := false
		for _, operand := range c.Operands {
			if equals(value, operand) {
				found = true
				break
			}
		}
		if c.Operator == CondIn {
			return found, nil
		}
		return !found, nil
	}
	return false, fmt.Errorf("unknown condition operator %q", c.Operator)
}

// equals compares loosely across JSON scalar types so that "42" and 42 from
// differently-typed sources still line up.
func equals(left, right interface{}) bool {
	if left == nil || right == nil {
		return left == right
	}
	if left == right {
		return true
	}
	ls, lerr := asString(left)
	rs, rerr := asString(right)
	return lerr == nil && rerr == nil && ls == rs
}
