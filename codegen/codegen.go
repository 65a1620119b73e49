// Package codegen provides short-code generation for SmartLinks.
// Generators should be safe for concurrent use.
package codegen

import (
	"crypto/rand"
	"errors"
)

// Alphabet is base62 minus the visually ambiguous 0/O and 1/l/I, so codes
// survive being read aloud or retyped from a screenshot.
const Alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// Generator generates short codes.
// Implementations should be safe for concurrent use.
type Generator interface {
	Generate(length int) (string, error)
}

type randomGenerator struct{}

// NewRandom returns a generator that draws codes from Alphabet using
// crypto/rand.
func NewRandom() Generator {
	return &randomGenerator{}
}

// Generate generates a random code of the specified length.
func (g *randomGenerator) Generate(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("length must be positive")
	}

	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	for i := range b {
		b[i] = Alphabet[int(b[i])%len(Alphabet)]
	}

	return string(b), nil
}
