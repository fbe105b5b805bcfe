package agent

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

var ErrUnknownTarget = errors.New("unknown focus target")

// Point is a screen coordinate. In YAML it is either {x: 10, y: 20} or the
// calibration form [10, 20].
type Point struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
}

func (p *Point) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var xy []int
		if err := node.Decode(&xy); err != nil {
			return err
		}
		if len(xy) != 2 {
			return fmt.Errorf("line %d: want [x, y], got %d values", node.Line, len(xy))
		}
		p.X, p.Y = xy[0], xy[1]
		return nil
	}
	type plain Point
	return node.Decode((*plain)(p))
}

// Targets maps names such as "upper" and "lower" to the point that focuses
// them.
type Targets map[string]Point

// LoadTargets reads a targets file. The file is either a bare name->point map
// or has the map under a top-level "targets" key.
func LoadTargets(path string) (Targets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	return ParseTargets(data)
}

func ParseTargets(data []byte) (Targets, error) {
	var wrapped struct {
		Targets Targets `yaml:"targets"`
	}
	if err := yaml.Unmarshal(data, &wrapped); err == nil && len(wrapped.Targets) > 0 {
		return wrapped.Targets, nil
	}
	var t Targets
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse targets: %w", err)
	}
	if t == nil {
		t = Targets{}
	}
	return t, nil
}

func (t Targets) Lookup(name string) (Point, error) {
	p, ok := t[name]
	if !ok {
		return Point{}, fmt.Errorf("%w: %q", ErrUnknownTarget, name)
	}
	return p, nil
}

// Names returns the configured target names, sorted.
func (t Targets) Names() []string {
	names := make([]string, 0, len(t))
	for n := range t {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
