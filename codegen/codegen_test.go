package codegen

import (
	"strings"
	"testing"
)

func TestRandomGenerator_Generate(t *testing.T) {
	gen := NewRandom()

	t.Run("generates code of requested length", func(t *testing.T) {
		for _, length := range []int{1, 7, 12, 64} {
			code, err := gen.Generate(length)
			if err != nil {
				t.Fatalf("Generate(%d) failed: %v", length, err)
			}
			if len(code) != length {
				t.Errorf("Generate(%d) returned code of length %d", length, len(code))
			}
		}
	})

	t.Run("only uses alphabet characters", func(t *testing.T) {
		code, err := gen.Generate(256)
		if err != nil {
			t.Fatalf("Generate() failed: %v", err)
		}
		for _, c := range code {
			if !strings.ContainsRune(Alphabet, c) {
				t.Errorf("code contains character %q outside the alphabet", c)
			}
		}
	})

	t.Run("excludes ambiguous characters", func(t *testing.T) {
		for _, c := range "0O1lI" {
			if strings.ContainsRune(Alphabet, c) {
				t.Errorf("alphabet should not contain ambiguous character %q", c)
			}
		}
	})

	t.Run("rejects non-positive length", func(t *testing.T) {
		for _, length := range []int{0, -1} {
			if _, err := gen.Generate(length); err == nil {
				t.Errorf("Generate(%d) should fail", length)
			}
		}
	})

	t.Run("successive codes differ", func(t *testing.T) {
		seen := make(map[string]bool)
		for range 100 {
			code, err := gen.Generate(8)
			if err != nil {
				t.Fatalf("Generate() failed: %v", err)
			}
			if seen[code] {
				t.Fatalf("duplicate code %q in 100 draws", code)
			}
			seen[code] = true
		}
	})
}
