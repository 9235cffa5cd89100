package engines

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"

	"github.com/pi-docket/ConvertX-CN/models"
)

//go:embed default_engines.yaml
var defaultEngines []byte

type engineDefinition struct {
	ID          string              `mapstructure:"id" validate:"required,excludesall=/"`
	Name        string              `mapstructure:"name" validate:"required"`
	Description string              `mapstructure:"description"`
	Category    string              `mapstructure:"category"`
	Enabled     *bool               `mapstructure:"enabled"`
	Conversions map[string][]string `mapstructure:"conversions" validate:"required,min=1,dive,min=1,dive,required"`
}

type catalogue struct {
	Engines []engineDefinition `mapstructure:"engines" validate:"required,min=1,unique=ID,dive"`
}

// LoadDefaults parses the built-in engine catalogue.
func LoadDefaults() ([]models.Engine, error) {
	engines, err := parse(defaultEngines, "yaml")
	if err != nil {
		return nil, fmt.Errorf("default engine catalogue: %w", err)
	}
	return engines, nil
}

// LoadFile parses a YAML or JSON engine catalogue from path. An empty path
// falls back to the built-in catalogue so the table always comes from a
// single source.
func LoadFile(path string) ([]models.Engine, error) {
	if path == "" {
		return LoadDefaults()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine catalogue %s: %w", path, err)
	}
	kind := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		kind = "json"
	}
	engines, err := parse(raw, kind)
	if err != nil {
		return nil, fmt.Errorf("engine catalogue %s: %w", path, err)
	}
	return engines, nil
}

func parse(raw []byte, kind string) ([]models.Engine, error) {
	v := viper.New()
	v.SetConfigType(kind)
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	params, err := decodeParams(raw, kind)
	if err != nil {
		return nil, err
	}
	return decode(v, params)
}

// decodeParams reads each engine's params subtree straight from the document.
// viper lowercases nested map keys, so the schemas are not taken from it.
func decodeParams(raw []byte, kind string) (map[string]json.RawMessage, error) {
	var doc struct {
		Engines []struct {
			ID     string         `yaml:"id" json:"id"`
			Params map[string]any `yaml:"params" json:"params"`
		} `yaml:"engines" json:"engines"`
	}
	unmarshal := yaml.Unmarshal
	if kind == "json" {
		unmarshal = json.Unmarshal
	}
	if err := unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	params := make(map[string]json.RawMessage, len(doc.Engines))
	for _, e := range doc.Engines {
		if len(e.Params) == 0 {
			continue
		}
		encoded, err := json.Marshal(e.Params)
		if err != nil {
			return nil, fmt.Errorf("engine %s: encode params: %w", e.ID, err)
		}
		params[e.ID] = encoded
	}
	return params, nil
}

func decode(v *viper.Viper, params map[string]json.RawMessage) ([]models.Engine, error) {
	var cat catalogue
	if err := v.Unmarshal(&cat); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := validator.New().Struct(cat); err != nil {
		return nil, fmt.Errorf("invalid engine catalogue: %w", err)
	}

	out := make([]models.Engine, 0, len(cat.Engines))
	for _, def := range cat.Engines {
		engine := models.Engine{
			ID:          def.ID,
			Name:        def.Name,
			Description: def.Description,
			Category:    def.Category,
			Conversions: def.Conversions,
			Enabled:     def.Enabled == nil || *def.Enabled,
			Params:      params[def.ID],
		}
		out = append(out, engine.Normalized())
	}
	return out, nil
}
