package repository

import (
	"encoding/json"
	"fmt"
	"io"

	"schoolgate/internal/domain"
)

// Seed is the roster a memory store starts with.
type Seed struct {
	Classes   []domain.ClassRoster `json:"classes"`
	Guardians []domain.Guardian    `json:"guardians"`
	Students  []domain.Student     `json:"students"`
}

// LoadSeed reads a JSON Seed into m.
func LoadSeed(m *Memory, r io.Reader) error {
	var s Seed
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	for _, c := range s.Classes {
		m.PutClass(c)
	}
	for _, g := range s.Guardians {
		m.PutGuardian(g)
	}
	for _, st := range s.Students {
		m.PutStudent(st)
	}
	return nil
}
