package fhir

import (
	"math"
	"testing"
)

func TestJaroWinkler(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"martha", "martha", 1.0},
		{"MARTHA", "martha", 1.0}, // case-insensitive
		{"martha", "marhta", 0.961},
		{"dwayne", "duane", 0.840},
		{"dixon", "dicksonx", 0.813},
		{"", "martha", 0.0},
		{"martha", "", 0.0},
		{"abc", "xyz", 0.0},
	}
	for _, tc := range cases {
		got := JaroWinkler(tc.a, tc.b)
		if math.Abs(got-tc.want) > 0.001 {
			t.Errorf("JaroWinkler(%q, %q) = %.3f, want %.3f", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestJaroWinklerSymmetry(t *testing.T) {
	pairs := [][2]string{
		{"chalmers", "chalker"},
		{"smith", "smyth"},
		{"a", "ab"},
	}
	for _, p := range pairs {
		if ab, ba := JaroWinkler(p[0], p[1]), JaroWinkler(p[1], p[0]); math.Abs(ab-ba) > 1e-12 {
			t.Errorf("JaroWinkler not symmetric for %q/%q: %f vs %f", p[0], p[1], ab, ba)
		}
	}
}

func TestJaroWinklerBounds(t *testing.T) {
	pairs := [][2]string{
		{"a", "b"}, {"abcd", "abdc"}, {"jellyfish", "smellyfish"}, {"x", "x"},
	}
	for _, p := range pairs {
		got := JaroWinkler(p[0], p[1])
		if got < 0 || got > 1 {
			t.Errorf("JaroWinkler(%q, %q) = %f out of [0,1]", p[0], p[1], got)
		}
	}
}
