// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package configtest

import (
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"go.uber.org/multierr"
)

const modulePath = "github.com/livekit/livekit-ice/"

// yaml keys double as cli flag names, so they must be snake_case
var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)

type tagChecker struct {
	seen map[reflect.Type]struct{}
	errs error
}

func (c *tagChecker) walk(t reflect.Type) {
	if _, ok := c.seen[t]; ok {
		return
	}
	c.seen[t] = struct{}{}

	switch t.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.Pointer:
		c.walk(t.Elem())
	case reflect.Struct:
		// types owned by other modules follow their own rules
		if strings.HasPrefix(t.PkgPath(), modulePath) {
			c.checkStruct(t)
		}
	}
}

func (c *tagChecker) checkStruct(t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || field.Tag.Get("config") == "allowempty" {
			continue
		}

		parts := strings.Split(field.Tag.Get("yaml"), ",")
		name := fmt.Sprintf("%s/%s.%s", t.PkgPath(), t.Name(), field.Name)
		switch {
		case parts[0] == "-":
			continue
		case slices.Contains(parts, "inline"):
			c.walk(field.Type)
			continue
		case !keyPattern.MatchString(parts[0]):
			c.errs = multierr.Append(c.errs, fmt.Errorf("%s yaml key %q is not snake_case", name, parts[0]))
		}

		// false is a meaningful default for booleans
		if field.Type.Kind() != reflect.Bool && !slices.Contains(parts, "omitempty") {
			c.errs = multierr.Append(c.errs, fmt.Errorf("%s missing omitempty tag", name))
		}
		c.walk(field.Type)
	}
}

// CheckYAMLTags reports every field of this module's config structs that
// lacks a snake_case yaml key, or an omitempty tag on non-boolean fields.
func CheckYAMLTags(config any) error {
	c := &tagChecker{seen: map[reflect.Type]struct{}{}}
	c.walk(reflect.TypeOf(config))
	return c.errs
}
