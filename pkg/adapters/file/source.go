package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aretw0/labrun/pkg/domain"
	"gopkg.in/yaml.v3"
)

// Source implements ports.ProtocolSource over a directory of protocol scripts.
// <dir>/<id>.lua holds a Lua program; an optional <id>.yaml next to it carries
// the display name, default parameters, and asset bindings. A sidecar with a
// script field declares a program in another language, run by an external
// interpreter.
type Source struct {
	Dir string
}

// NewSource creates a source rooted at dir.
func NewSource(dir string) *Source {
	return &Source{Dir: dir}
}

type sidecar struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Language    string         `yaml:"language"`
	Script      string         `yaml:"script"`
	Parameters  map[string]any `yaml:"parameters"`
	Assets      map[string]any `yaml:"assets"`
}

func validProtocolID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && !strings.HasPrefix(id, ".")
}

// Load reads the program and its sidecar.
func (s *Source) Load(ctx context.Context, protocolID string) (domain.Program, error) {
	if !validProtocolID(protocolID) {
		return domain.Program{}, fmt.Errorf("%w: invalid id %q", domain.ErrProtocolNotFound, protocolID)
	}

	meta, err := s.readSidecar(protocolID)
	if err != nil {
		return domain.Program{}, err
	}

	script := protocolID + ".lua"
	language := "lua"
	if meta.Script != "" {
		if filepath.IsAbs(meta.Script) || strings.Contains(filepath.ToSlash(meta.Script), "..") {
			return domain.Program{}, fmt.Errorf("protocol %s: script must stay inside the protocol directory", protocolID)
		}
		script = meta.Script
		language = strings.TrimPrefix(filepath.Ext(script), ".")
	}
	if meta.Language != "" {
		language = strings.ToLower(meta.Language)
	}

	code, err := os.ReadFile(filepath.Join(s.Dir, script))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Program{}, fmt.Errorf("%w: %s", domain.ErrProtocolNotFound, protocolID)
		}
		return domain.Program{}, fmt.Errorf("failed to read protocol %s: %w", protocolID, err)
	}

	name := meta.Name
	if name == "" {
		name = protocolID
	}
	return domain.Program{
		ProtocolID: protocolID,
		Name:       name,
		Language:   language,
		Source:     string(code),
		Parameters: meta.Parameters,
		Assets:     meta.Assets,
	}, nil
}

// List returns catalog entries for every Lua script and every sidecar that
// declares its own script.
func (s *Source) List(ctx context.Context) ([]domain.CatalogEntry, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.CatalogEntry{}, nil
		}
		return nil, fmt.Errorf("failed to list protocols: %w", err)
	}

	seen := make(map[string]bool)
	out := []domain.CatalogEntry{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".lua" && ext != ".yaml" {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ext)
		if seen[id] || !validProtocolID(id) {
			continue
		}
		meta, err := s.readSidecar(id)
		if err != nil {
			return nil, err
		}
		if ext == ".yaml" && meta.Script == "" {
			// Plain metadata; listed through its .lua file.
			continue
		}
		seen[id] = true

		name := meta.Name
		if name == "" {
			name = id
		}
		out = append(out, domain.CatalogEntry{
			ProtocolID:  id,
			Name:        name,
			Description: meta.Description,
			Modes:       []string{string(domain.ModeLocal), string(domain.ModeRemote)},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProtocolID < out[j].ProtocolID })
	return out, nil
}

func (s *Source) readSidecar(protocolID string) (sidecar, error) {
	var meta sidecar
	data, err := os.ReadFile(filepath.Join(s.Dir, protocolID+".yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return meta, nil
		}
		return meta, fmt.Errorf("failed to read metadata for %s: %w", protocolID, err)
	}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("failed to parse metadata for %s: %w", protocolID, err)
	}
	return meta, nil
}
