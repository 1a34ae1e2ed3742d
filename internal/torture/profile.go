package torture

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/QuangTung97/o1heap/allocator"
	"github.com/QuangTung97/o1heap/arena"
)

// Arena backings.
const (
	BackingGo   = "go"
	BackingMmap = "mmap"
)

// Profile describes a randomized workload.
type Profile struct {
	ArenaSize  int      `yaml:"arena_size"`
	Backing    string   `yaml:"backing"`
	Operations int      `yaml:"operations"`
	Seed       int64    `yaml:"seed"`
	MinSize    int      `yaml:"min_size"`
	MaxSize    int      `yaml:"max_size"`
	FreeRatio  Rational `yaml:"free_ratio"`
	MaxLive    uint32   `yaml:"max_live"`
	CheckEvery int      `yaml:"check_every"`
	Fill       bool     `yaml:"fill"`
}

// DefaultProfile ...
func DefaultProfile() Profile {
	return Profile{
		ArenaSize:  1 << 20,
		Backing:    BackingGo,
		Operations: 100000,
		Seed:       1,
		MinSize:    0,
		MaxSize:    4096,
		FreeRatio:  NewRational(1, 2),
		MaxLive:    0,
		CheckEvery: 1000,
		Fill:       true,
	}
}

// LoadProfile reads a YAML profile; fields it leaves out keep their defaults.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()

	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, errors.Wrap(err, "read profile")
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, errors.Wrapf(err, "decode profile %s", path)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, errors.Wrapf(err, "profile %s", path)
	}
	return p, nil
}

// Validate ...
func (p Profile) Validate() error {
	if p.ArenaSize < int(allocator.MinArenaSize()) {
		return errors.Errorf("arena_size must be >= %d, got %d", allocator.MinArenaSize(), p.ArenaSize)
	}
	if p.Backing != BackingGo && p.Backing != BackingMmap {
		return errors.Errorf("backing must be %q or %q, got %q", BackingGo, BackingMmap, p.Backing)
	}
	if p.Operations < 0 {
		return errors.Errorf("operations must be >= 0, got %d", p.Operations)
	}
	if p.MinSize < 0 || p.MaxSize < p.MinSize {
		return errors.Errorf("need 0 <= min_size <= max_size, got %d and %d", p.MinSize, p.MaxSize)
	}
	if p.FreeRatio.Denominator == 0 || p.FreeRatio.Nominator > p.FreeRatio.Denominator {
		return errors.Errorf("free_ratio must be within [0, 1], got %s", p.FreeRatio)
	}
	if p.CheckEvery < 0 {
		return errors.Errorf("check_every must be >= 0, got %d", p.CheckEvery)
	}
	return nil
}

// MakeArena returns the backing memory for the profile and its release func.
func (p Profile) MakeArena() ([]byte, func() error, error) {
	if p.Backing == BackingMmap {
		data, err := arena.Map(p.ArenaSize)
		if err != nil {
			return nil, nil, err
		}
		return data, func() error { return arena.Unmap(data) }, nil
	}
	return arena.Make(p.ArenaSize), func() error { return nil }, nil
}
