package tuning

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version" toml:"protocol_version" json:"protocol_version"`

	FlushIntervalMs int `yaml:"flush_interval_ms" toml:"flush_interval_ms" json:"flush_interval_ms"`
	HoldBlockMs     int `yaml:"hold_block_ms" toml:"hold_block_ms" json:"hold_block_ms"`
	MaxClients      int `yaml:"max_clients" toml:"max_clients" json:"max_clients"`

	Queues Queues  `yaml:"queues" toml:"queues" json:"queues"`
	Groups []Group `yaml:"groups" toml:"groups" json:"groups"`
	Table  Table   `yaml:"table" toml:"table" json:"table"`
}

type Queues struct {
	Inbox     int `yaml:"inbox" toml:"inbox" json:"inbox"`
	ClientOut int `yaml:"client_out" toml:"client_out" json:"client_out"`
	Engine    int `yaml:"engine" toml:"engine" json:"engine"`
}

// Group is a selection team. Group 0 is the observer group.
type Group struct {
	Name  string `yaml:"name" toml:"name" json:"name"`
	Color string `yaml:"color" toml:"color" json:"color"`
}

// Table describes the initial piece layout every client registers.
type Table struct {
	Pieces  int     `yaml:"pieces" toml:"pieces" json:"pieces"`
	Columns int     `yaml:"columns" toml:"columns" json:"columns"`
	Spacing float64 `yaml:"spacing" toml:"spacing" json:"spacing"`
	OriginX float64 `yaml:"origin_x" toml:"origin_x" json:"origin_x"`
	OriginY float64 `yaml:"origin_y" toml:"origin_y" json:"origin_y"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		FlushIntervalMs: 250,
		HoldBlockMs:     550,
		MaxClients:      64,
		Queues: Queues{
			Inbox:     1024,
			ClientOut: 256,
			Engine:    256,
		},
		Groups: []Group{
			{Name: "Observer", Color: "#ffffff"},
			{Name: "Red", Color: "#ff2a2a"},
			{Name: "Gray", Color: "#808080"},
			{Name: "Yellow", Color: "#ffd700"},
			{Name: "Orange", Color: "#ff8c00"},
			{Name: "Blue", Color: "#1e90ff"},
			{Name: "Green", Color: "#2e8b57"},
			{Name: "Violet", Color: "#8a2be2"},
			{Name: "Brown", Color: "#8b4513"},
			{Name: "Manager", Color: "#222222"},
		},
		Table: Table{Pieces: 52, Columns: 13, Spacing: 40},
	}
}

// Load reads a YAML or TOML file (by extension) over Defaults. A missing
// file yields the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return t, err
	}
	name := filepath.Base(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(raw), &t); err != nil {
			return t, fmt.Errorf("%s: %w", name, err)
		}
	default:
		if err := yaml.Unmarshal(raw, &t); err != nil {
			return t, fmt.Errorf("%s: %w", name, err)
		}
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	if t.FlushIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("flush_interval_ms must be > 0 (got %d)", t.FlushIntervalMs))
	}
	if t.HoldBlockMs < 0 {
		errs = append(errs, fmt.Errorf("hold_block_ms must be >= 0 (got %d)", t.HoldBlockMs))
	}
	if t.MaxClients <= 0 {
		errs = append(errs, fmt.Errorf("max_clients must be > 0 (got %d)", t.MaxClients))
	}
	if t.Queues.Inbox <= 0 || t.Queues.ClientOut <= 0 || t.Queues.Engine <= 0 {
		errs = append(errs, fmt.Errorf("queue sizes must be > 0 (got %+v)", t.Queues))
	}
	if len(t.Groups) == 0 {
		errs = append(errs, errors.New("groups must not be empty"))
	}
	if t.Table.Pieces < 0 || t.Table.Columns < 0 {
		errs = append(errs, fmt.Errorf("table pieces/columns must be >= 0 (got %+v)", t.Table))
	}
	return errors.Join(errs...)
}

func (t Tuning) FlushInterval() time.Duration {
	return time.Duration(t.FlushIntervalMs) * time.Millisecond
}

func (t Tuning) HoldBlock() time.Duration {
	return time.Duration(t.HoldBlockMs) * time.Millisecond
}

// Positions lays the table pieces out in rows of Columns.
func (tb Table) Positions() [][2]float64 {
	cols := tb.Columns
	if cols <= 0 {
		cols = 1
	}
	out := make([][2]float64, tb.Pieces)
	for i := range out {
		out[i] = [2]float64{
			tb.OriginX + float64(i%cols)*tb.Spacing,
			tb.OriginY + float64(i/cols)*tb.Spacing,
		}
	}
	return out
}
