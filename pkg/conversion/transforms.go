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
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// dateLayouts are tried in order when a transform has to parse a timestamp
// without a declared layout.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// applyTransform runs one transform step. A nil input short-circuits to nil
// so that optional source fields flow through chains untouched.
func applyTransform(t Transform, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	switch t.Op {
	case OpUppercase:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	case OpLowercase:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil
	case OpTrim:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(s), nil
	case OpTruncate:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		if t.Length >= 0 && len(s) > t.Length {
			return s[:t.Length], nil
		}
		return s, nil
	case OpReplace:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		return strings.ReplaceAll(s, t.Pattern, t.Replacement), nil
	case OpRegexReplace:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile(t.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %q, %w", t.Pattern, err)
		}
		return re.ReplaceAllString(s, t.Replacement), nil
	case OpSplit:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		parts := strings.Split(s, t.Separator)
		out := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			out = append(out, p)
		}
		return out, nil
	case OpConcat:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		return s + t.Value, nil
	case OpRound:
		f, err := asFloat(value)
		if err != nil {
			return nil, err
		}
		scale := math.Pow10(t.Precision)
		return math.Round(f*scale) / scale, nil
	case OpMultiply:
		f, err := asFloat(value)
		if err != nil {
			return nil, err
		}
		return f * t.Factor, nil
	case OpDivide:
		f, err := asFloat(value)
		if err != nil {
			return nil, err
		}
		if t.Factor == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return f / t.Factor, nil
	case OpCurrencyConvert:
		f, err := asFloat(value)
		if err != nil {
			return nil, err
		}
		// Factor is the target-currency rate; amounts stay two-decimal.
		return math.Round(f*t.Factor*100) / 100, nil
	case OpParseDate, OpToDate:
		d, err := asTime(value, t.Layout)
		if err != nil {
			return nil, err
		}
		return d, nil
	case OpFormatDate:
		d, err := asTime(value, "")
		if err != nil {
			return nil, err
		}
		layout := t.Layout
		if layout == "" {
			layout = time.RFC3339
		}
		return d.Format(layout), nil
	case OpAddDays:
		d, err := asTime(value, t.Layout)
		if err != nil {
			return nil, err
		}
		return d.AddDate(0, 0, t.Days), nil
	case OpToString:
		s, err := asString(value)
		if err != nil {
			return nil, err
		}
		return s, nil
	case OpToNumber:
		return asFloat(value)
	case OpToBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("parsing %q as bool, %w", v, err)
			}
			return b, nil
		case float64:
			return v != 0, nil
		}
		return nil, fmt.Errorf("cannot coerce %T to bool", value)
	case OpToArray:
		if arr, ok := value.([]interface{}); ok {
			return arr, nil
		}
		return []interface{}{value}, nil
	}
	return nil, fmt.Errorf("unknown transform op %q", t.Op)
}

func asString(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case time.Time:
		return v.Format(time.RFC3339), nil
	}
	return "", fmt.Errorf("cannot coerce %T to string", value)
}

func asFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %q as number, %w", v, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("cannot coerce %T to number", value)
}

func asTime(value interface{}, layout string) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		if layout != "" {
			d, err := time.Parse(layout, v)
			if err != nil {
				return time.Time{}, fmt.Errorf("parsing %q with layout %q, %w", v, layout, err)
			}
			return d, nil
		}
		for _, l := range dateLayouts {
			if d, err := time.Parse(l, v); err == nil {
				return d, nil
			}
		}
		return time.Time{}, fmt.Errorf("no known layout matches %q", v)
	case float64:
		// Numeric timestamps arrive as epoch seconds.
		return time.Unix(int64(v), 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot coerce %T to date", value)
}
