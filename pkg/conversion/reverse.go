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

import "strings"

// ReverseFields projects canonical structured data back into provider field
// names for write-back. Only direct mappings invert cleanly; transformed,
// composed, and looked-up values stay local.
func ReverseFields(schema *Schema, structured map[string]interface{}) map[string]interface{} {
	fields := map[string]interface{}{}
	for _, mapping := range schema.Mappings {
		if mapping.Kind != KindDirect || mapping.Source == "" {
			continue
		}
		value, ok := structured[mapping.Target]
		if !ok {
			continue
		}
		setPath(fields, mapping.Source, value)
	}
	return fields
}

// setPath writes value at a dot-path, materializing intermediate objects.
func setPath(fields map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := fields[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			fields[part] = next
		}
		fields = next
	}
	fields[parts[len(parts)-1]] = value
}
