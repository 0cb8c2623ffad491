package store

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gistacsl/mosaic-signaling/internal/robot"
)

// Seed is the YAML fixture format for robot records:
//
//	robots:
//	  - id: 3f0c...
//	    organizationId: org-a
//	    name: Bot-1
//	    authType: SIMPLE_TOKEN
type Seed struct {
	Robots []SeedRobot `yaml:"robots"`
}

type SeedRobot struct {
	ID             string `yaml:"id"`
	OrganizationID string `yaml:"organizationId"`
	Name           string `yaml:"name"`
	AuthType       string `yaml:"authType"`
}

func ParseSeed(r io.Reader) (Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		if err == io.EOF {
			return Seed{}, nil
		}
		return Seed{}, fmt.Errorf("parse seed: %w", err)
	}
	return seed, nil
}

// Records validates the seed and converts it. An empty auth type means
// NO_AUTHORIZATION.
func (s Seed) Records() ([]robot.Record, error) {
	out := make([]robot.Record, 0, len(s.Robots))
	seen := make(map[string]bool, len(s.Robots))
	for i, r := range s.Robots {
		if r.ID == "" || r.OrganizationID == "" {
			return nil, fmt.Errorf("seed robot %d: id and organizationId are required", i)
		}
		id := NormalizeRobotID(r.ID)
		if seen[id] {
			return nil, fmt.Errorf("seed robot %d: duplicate id %s", i, id)
		}
		seen[id] = true

		authType := robot.AuthNoAuthorization
		if r.AuthType != "" {
			t, err := robot.ParseAuthType(r.AuthType)
			if err != nil {
				return nil, fmt.Errorf("seed robot %s: %w", id, err)
			}
			authType = t
		}
		out = append(out, robot.Record{
			ID:             id,
			OrganizationID: r.OrganizationID,
			Name:           r.Name,
			AuthType:       authType,
		})
	}
	return out, nil
}

// LoadSeedFile upserts every robot in the YAML file at path and returns how
// many were applied.
func (s *SQLite) LoadSeedFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	seed, err := ParseSeed(f)
	if err != nil {
		return 0, err
	}
	return s.ApplySeed(ctx, seed)
}

func (s *SQLite) ApplySeed(ctx context.Context, seed Seed) (int, error) {
	recs, err := seed.Records()
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if err := s.UpsertRobot(ctx, rec); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}
