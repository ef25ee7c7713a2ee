package battlemap

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults configures newly created maps and token colors.
type Defaults struct {
	GridWidth        int                  `yaml:"grid_width"`
	GridHeight       int                  `yaml:"grid_height"`
	GridSquareSizeFt int                  `yaml:"grid_square_size_ft"`
	Colors           map[TokenType]string `yaml:"colors"`
}

// DefaultDefaults returns the built-in map defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		GridWidth:        20,
		GridHeight:       20,
		GridSquareSizeFt: 5,
		Colors: map[TokenType]string{
			TypePC:      "#3b82f6",
			TypeNPC:     "#22c55e",
			TypeMonster: "#ef4444",
			TypeOther:   "#a855f7",
		},
	}
}

// ColorFor returns the default color for a token type.
func (d Defaults) ColorFor(t TokenType) string {
	if color, ok := d.Colors[t]; ok && color != "" {
		return color
	}
	return DefaultDefaults().Colors[t]
}

// Validate checks that defaults describe a usable grid.
func (d Defaults) Validate() error {
	if d.GridWidth < 1 || d.GridHeight < 1 {
		return fmt.Errorf("grid dimensions must be at least 1, got %dx%d", d.GridWidth, d.GridHeight)
	}
	if d.GridSquareSizeFt <= 0 {
		return fmt.Errorf("grid square size must be positive, got %d", d.GridSquareSizeFt)
	}
	for t := range d.Colors {
		if !t.Valid() {
			return fmt.Errorf("unknown token type %q in colors", t)
		}
	}
	return nil
}

// ParseDefaults decodes YAML over the built-in defaults.
func ParseDefaults(data []byte) (Defaults, error) {
	defaults := DefaultDefaults()
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		return Defaults{}, fmt.Errorf("decode map defaults: %w", err)
	}
	if err := defaults.Validate(); err != nil {
		return Defaults{}, fmt.Errorf("validate map defaults: %w", err)
	}
	return defaults, nil
}

// LoadDefaults reads map defaults from a YAML file. An empty path returns the
// built-in defaults.
func LoadDefaults(path string) (Defaults, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultDefaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Defaults{}, fmt.Errorf("read map defaults: %w", err)
	}
	return ParseDefaults(data)
}
