package source

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/okian/alpharank/internal/domain/model"
)

// Fixture is the YAML layout of a replay file.
//
//	season: 2024
//	inputs:
//	  - entity_id: wr-1
//	    class: WR
//	    period: 1
//	    activity: 1
//	    categories: {volume: 70, efficiency: 70}
//
// An input without a season inherits the fixture's.
type Fixture struct {
	Season int           `yaml:"season"`
	Inputs []model.Input `yaml:"inputs"`
}

// LoadFile reads a YAML fixture into a Memory source.
func LoadFile(path string) (*Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a YAML fixture from r. Unknown fields are rejected.
func Decode(r io.Reader) (*Memory, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var fx Fixture
	if err := dec.Decode(&fx); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	for i := range fx.Inputs {
		in := &fx.Inputs[i]
		if in.Season == 0 {
			in.Season = fx.Season
		}
		if in.EntityID == "" {
			return nil, fmt.Errorf("decode fixture: input %d has no entity_id", i)
		}
		if in.Period < 1 {
			return nil, fmt.Errorf("decode fixture: input %d (%s) has no period", i, in.EntityID)
		}
	}
	return NewMemory(fx.Inputs...), nil
}
