package settings

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openfroyo/siteconf/pkg/engine"
)

// Value is the set of types an option can resolve to.
type Value interface {
	string | bool | int
}

// Requirement says whether an option must end up with a value.
type Requirement int

const (
	// Required options without a value or default fail resolution.
	Required Requirement = iota
	// Optional options fall back to their type's zero value.
	Optional
)

// Source records where a resolved value came from.
type Source string

const (
	SourceUnset    Source = "unset"
	SourceDocument Source = "document"
	SourceDefault  Source = "default"
	SourceFixed    Source = "fixed"
)

// Option describes one recognised setting of a module section.
type Option[T Value] struct {
	// Name is the key in the settings section.
	Name string

	// Default is used when the key is absent and HasDefault is set.
	Default    T
	HasDefault bool

	Requirement Requirement

	// Mapping is the exported attribute name, empty when the value is
	// private to the module.
	Mapping string

	value  T
	source Source
}

// Resolvable is the type-erased view of an Option used for iteration.
type Resolvable interface {
	Key() string
	ExportName() string
	Resolve(doc Document, section string) error
	Formatted() string
	IsSet() bool
	Origin() Source
}

// Req declares a required option.
func Req[T Value](name string) *Option[T] {
	return &Option[T]{Name: name, Requirement: Required}
}

// Opt declares an optional option.
func Opt[T Value](name string) *Option[T] {
	return &Option[T]{Name: name, Requirement: Optional}
}

// WithDefault sets the default value.
func (o *Option[T]) WithDefault(v T) *Option[T] {
	o.Default = v
	o.HasDefault = true
	return o
}

// WithMapping sets the exported attribute name.
func (o *Option[T]) WithMapping(name string) *Option[T] {
	o.Mapping = name
	return o
}

// Key implements Resolvable.
func (o *Option[T]) Key() string { return o.Name }

// ExportName implements Resolvable.
func (o *Option[T]) ExportName() string { return o.Mapping }

// Value returns the resolved value.
func (o *Option[T]) Value() T { return o.value }

// IsSet reports whether the document, a default, or Set supplied the value.
func (o *Option[T]) IsSet() bool {
	return o.source != "" && o.source != SourceUnset
}

// Origin implements Resolvable.
func (o *Option[T]) Origin() Source {
	if o.source == "" {
		return SourceUnset
	}
	return o.source
}

// Set fixes the value without consulting a document. Modules use it for
// derived values such as the job manager name.
func (o *Option[T]) Set(v T) {
	o.value = v
	o.source = SourceFixed
}

// Resolve populates the option from section of doc.
func (o *Option[T]) Resolve(doc Document, section string) error {
	if raw, ok := doc.Get(section, o.Name); ok {
		v, err := convert[T](raw)
		if err != nil {
			return engine.NewSettingError(
				fmt.Sprintf("invalid value %q for %s in %s section", raw, o.Name, section), err).
				WithSection(section).WithOption(o.Name)
		}
		o.value = v
		o.source = SourceDocument
		return nil
	}

	if o.HasDefault {
		o.value = o.Default
		o.source = SourceDefault
		return nil
	}

	if o.Requirement == Required {
		return engine.NewSettingError(
			fmt.Sprintf("can't get value for %s in %s section and no default given", o.Name, section), nil).
			WithSection(section).WithOption(o.Name)
	}

	var zero T
	o.value = zero
	o.source = SourceUnset
	return nil
}

// Formatted implements Resolvable.
func (o *Option[T]) Formatted() string {
	switch v := any(o.value).(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	}
	return fmt.Sprint(o.value)
}

func convert[T Value](raw string) (T, error) {
	var zero T
	var out any
	switch any(zero).(type) {
	case string:
		out = raw
	case bool:
		b, err := ParseBool(raw)
		if err != nil {
			return zero, err
		}
		out = b
	case int:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return zero, fmt.Errorf("not an integer: %w", err)
		}
		out = n
	}
	return out.(T), nil
}

// ParseBool accepts the fixed token set 1/yes/true/on and 0/no/false/off,
// case-insensitively.
func ParseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "yes", "true", "on":
		return true, nil
	case "0", "no", "false", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", raw)
}

// ResolveAll resolves opts in order and stops at the first error.
func ResolveAll(doc Document, section string, opts ...Resolvable) error {
	for _, o := range opts {
		if err := o.Resolve(doc, section); err != nil {
			return err
		}
	}
	return nil
}

// Export returns mapping name -> formatted value for every option that has a
// mapping.
func Export(opts ...Resolvable) map[string]string {
	out := make(map[string]string)
	for _, o := range opts {
		if o.ExportName() == "" {
			continue
		}
		out[o.ExportName()] = o.Formatted()
	}
	return out
}

// Keys returns the option names of opts.
func Keys(opts ...Resolvable) []string {
	keys := make([]string, 0, len(opts))
	for _, o := range opts {
		keys = append(keys, o.Key())
	}
	return keys
}
