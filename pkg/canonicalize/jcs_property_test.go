//go:build property
// +build property

// Property-based tests for canonicalization determinism.
package canonicalize_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/stackbound/opscore/pkg/canonicalize"
)

// TestCanonicalizeDeterminism verifies Canonicalize(obj) == Canonicalize(obj)
// for arbitrary string maps.
func TestCanonicalizeDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical form is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]interface{})
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			b1, err1 := canonicalize.Canonicalize(obj)
			b2, err2 := canonicalize.Canonicalize(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestHashKeyOrderIndependence verifies inserting the same pairs in reverse
// order produces the same hash.
func TestHashKeyOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("hash is insertion-order independent", prop.ForAll(
		func(keys []string, values []string) bool {
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}

			forward := make(map[string]interface{})
			for i := 0; i < n; i++ {
				forward[keys[i]] = values[i]
			}
			backward := make(map[string]interface{})
			for i := n - 1; i >= 0; i-- {
				backward[keys[i]] = values[i]
			}

			h1, err1 := canonicalize.CanonicalHash(forward)
			h2, err2 := canonicalize.CanonicalHash(backward)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
