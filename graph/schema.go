package graph

import "fmt"

// Field describes one field of a state record: how to tell whether a
// partial update writes it, and how to merge the update into prior state.
//
// Fields are built with ScalarField or ListField rather than by hand.
type Field[S any] struct {
	// Name is the field's identifier in write declarations.
	Name string

	// Written reports whether delta carries a value for this field.
	Written func(delta *S) bool

	// Merge copies the field from delta into dst.
	Merge func(dst *S, delta *S)
}

// MergeMode selects how a list field combines with prior state.
type MergeMode int

const (
	// Replace overwrites the prior list with the update's list.
	Replace MergeMode = iota
	// Append concatenates the update's items after the prior items.
	Append
)

// ScalarField declares a replace-on-write field. A zero value in a delta
// means "not written". Writing a field back to its zero value therefore
// requires UpdateState with an explicit field list.
func ScalarField[S any, T comparable](name string, get func(*S) *T) Field[S] {
	var zero T
	return Field[S]{
		Name:    name,
		Written: func(d *S) bool { return *get(d) != zero },
		Merge:   func(dst, d *S) { *get(dst) = *get(d) },
	}
}

// ListField declares a slice field merged with mode. A nil slice in a delta
// means "not written"; an empty non-nil slice under Replace clears the list.
func ListField[S any, T any](name string, get func(*S) *[]T, mode MergeMode) Field[S] {
	return Field[S]{
		Name:    name,
		Written: func(d *S) bool { return *get(d) != nil },
		Merge: func(dst, d *S) {
			src := *get(d)
			if mode == Append {
				prev := *get(dst)
				merged := make([]T, 0, len(prev)+len(src))
				merged = append(merged, prev...)
				*get(dst) = append(merged, src...)
				return
			}
			*get(dst) = append(make([]T, 0, len(src)), src...)
		},
	}
}

// Schema is the ordered field registry of a state type S.
//
// Example:
//
//	schema := graph.MustSchema(
//	    graph.ScalarField("plan", func(s *State) *string { return &s.Plan }),
//	    graph.ListField("research", func(s *State) *[]string { return &s.Research }, graph.Append),
//	)
type Schema[S any] struct {
	fields []Field[S]
	index  map[string]int
}

// NewSchema builds a schema. Field names must be non-empty and unique.
func NewSchema[S any](fields ...Field[S]) (*Schema[S], error) {
	s := &Schema[S]{index: make(map[string]int, len(fields))}
	for _, f := range fields {
		if f.Name == "" || f.Written == nil || f.Merge == nil {
			return nil, &EngineError{Message: "schema field must have a name, Written and Merge", Code: "INVALID_FIELD"}
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, &EngineError{Message: "duplicate schema field: " + f.Name, Code: "INVALID_FIELD"}
		}
		s.index[f.Name] = len(s.fields)
		s.fields = append(s.fields, f)
	}
	return s, nil
}

// MustSchema is NewSchema that panics on error, for package-level schemas.
func MustSchema[S any](fields ...Field[S]) *Schema[S] {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Fields returns the field names in declaration order.
func (s *Schema[S]) Fields() []string {
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// Validate returns an UNKNOWN_FIELD error for the first name not in the schema.
func (s *Schema[S]) Validate(names []string) error {
	for _, n := range names {
		if _, ok := s.index[n]; !ok {
			return &EngineError{Message: fmt.Sprintf("unknown state field %q", n), Code: "UNKNOWN_FIELD"}
		}
	}
	return nil
}

// Written returns the names of the fields delta writes, in schema order.
func (s *Schema[S]) Written(delta S) []string {
	var out []string
	for _, f := range s.fields {
		if f.Written(&delta) {
			out = append(out, f.Name)
		}
	}
	return out
}

// Merge returns prev with the written fields among allowed taken from
// delta. prev itself is not modified. Fields of delta outside allowed are
// ignored; callers that must reject them check Written first.
func (s *Schema[S]) Merge(prev S, delta S, allowed []string) S {
	next := prev
	for _, name := range allowed {
		f := s.fields[s.index[name]]
		if f.Written(&delta) {
			f.Merge(&next, &delta)
		}
	}
	return next
}

// Set returns prev with each named field merged from delta by the field's
// rule even when the delta value is zero, so a human edit through
// UpdateState can clear a scalar.
func (s *Schema[S]) Set(prev S, delta S, names []string) S {
	next := prev
	for _, name := range names {
		s.fields[s.index[name]].Merge(&next, &delta)
	}
	return next
}

// undeclared returns the written fields of delta that are not in declared.
func (s *Schema[S]) undeclared(delta S, declared map[string]bool) []string {
	var out []string
	for _, name := range s.Written(delta) {
		if !declared[name] {
			out = append(out, name)
		}
	}
	return out
}
