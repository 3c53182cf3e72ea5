// Package validation holds constructor guards for mandatory dependencies.
// A failed guard is a wiring bug, so it panics instead of returning an
// error.
package validation

import "fmt"

// AssertNotNil panics if ptr is nil.
//
//	validation.AssertNotNil(pool, "store: database pool")
func AssertNotNil[T any](ptr *T, name string) {
	if ptr == nil {
		panic(fmt.Sprintf("%s cannot be nil", name))
	}
}

// AssertNotEmpty panics if s is empty.
func AssertNotEmpty(s, name string) {
	if s == "" {
		panic(fmt.Sprintf("%s cannot be empty", name))
	}
}
