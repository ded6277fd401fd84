package signer

import (
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const propTimestamp = "2019-07-04T10:00:00.000000+00:00"

func TestCanonicalStringProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical string is deterministic", prop.ForAll(
		func(m map[string]string) bool {
			p := paramsFrom(m)
			return CanonicalString("POST", p, propTimestamp) == CanonicalString("POST", p, propTimestamp)
		},
		gen.MapOf(gen.Identifier(), gen.AnyString())))

	properties.Property("insertion order does not matter", prop.ForAll(
		func(m map[string]string) bool {
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			forward := Params{}
			for _, k := range keys {
				forward[k] = String(m[k])
			}
			backward := Params{}
			for i := len(keys) - 1; i >= 0; i-- {
				backward[keys[i]] = String(m[keys[i]])
			}
			return CanonicalString("GET", forward, propTimestamp) == CanonicalString("GET", backward, propTimestamp) &&
				Encode(forward) == Encode(backward)
		},
		gen.MapOf(gen.Identifier(), gen.AnyString())))

	properties.Property("every parameter value is bound into the canonical string", prop.ForAll(
		func(m map[string]string, key, a, b string) bool {
			if a == b {
				return true
			}
			pa := paramsFrom(m)
			pb := paramsFrom(m)
			pa[key] = String(a)
			pb[key] = String(b)
			return CanonicalString("POST", pa, propTimestamp) != CanonicalString("POST", pb, propTimestamp)
		},
		gen.MapOf(gen.Identifier(), gen.AlphaString()), gen.Identifier(), gen.AnyString(), gen.AnyString()))

	properties.TestingRun(t)
}

func TestSignProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("distinct strings sign differently", prop.ForAll(
		func(key, s1, s2 string) bool {
			if s1 == s2 {
				return true
			}
			return Sign(key, s1) != Sign(key, s2)
		},
		gen.AlphaString(), gen.AnyString(), gen.AnyString()))

	properties.Property("signature verifies", prop.ForAll(
		func(key, s string) bool {
			return Verify(key, s, Sign(key, s))
		},
		gen.AlphaString(), gen.AnyString()))

	properties.TestingRun(t)
}

func paramsFrom(m map[string]string) Params {
	p := make(Params, len(m))
	for k, v := range m {
		p[k] = String(v)
	}
	return p
}
