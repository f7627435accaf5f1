package util

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// ----------------------------------------------------- FormatExpectedEnvList -------------------------------------- //

// FormatExpectedEnvList lists the variables declared by the `env` tags of T,
// required ones first, one per line and aligned. A variable is required when
// its tag carries the "required" or "notEmpty" option. An `envDefault` tag is
// shown next to optional variables.
func FormatExpectedEnvList[T any]() string {
	type envVar struct {
		name, label string
	}

	var required, optional []envVar

	width := 0
	rt := reflect.TypeFor[T]()
	for i := range rt.NumField() {
		field := rt.Field(i)

		tag, ok := field.Tag.Lookup("env")
		if !ok || tag == "" {
			continue
		}

		parts := strings.Split(tag, ",")
		name, opts := parts[0], parts[1:]
		width = max(width, len(name))

		if slices.Contains(opts, "required") || slices.Contains(opts, "notEmpty") {
			required = append(required, envVar{name: name, label: "[Required]"})
			continue
		}

		label := "[Optional]"
		if def, ok := field.Tag.Lookup("envDefault"); ok {
			label = fmt.Sprintf("[Optional, default: %s]", def)
		}
		optional = append(optional, envVar{name: name, label: label})
	}

	var b strings.Builder
	for _, v := range append(required, optional...) {
		fmt.Fprintf(&b, "- %-*s %s\n", width, v.name, v.label)
	}

	return b.String()
}
