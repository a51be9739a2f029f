package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v2"

	"grimm.is/pktfilter/internal/filter"
)

// LoadFile loads a config file, choosing the format by extension: .hcl,
// .json, .yaml or .yml. Anything else is tried as HCL, then JSON.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return LoadHCL(data, path)
	case ".json":
		return LoadJSON(data)
	case ".yaml", ".yml":
		return LoadYAML(data)
	default:
		cfg, err := LoadHCL(data, path)
		if err != nil {
			return LoadJSON(data)
		}
		return cfg, nil
	}
}

// LoadHCL loads config from HCL bytes. Expressions may refer to the
// protocol constants in EvalContext, e.g. protocol = proto.tcp.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, EvalContext(), &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadJSON loads config from JSON bytes. Unknown fields are rejected.
func LoadJSON(data []byte) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadYAML loads config from YAML bytes. Unknown fields are rejected.
func LoadYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// EvalContext exposes named IP protocol numbers to HCL expressions as
// proto.<name>.
func EvalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"proto": cty.ObjectVal(map[string]cty.Value{
				"icmp":    cty.NumberIntVal(int64(filter.ProtoICMP)),
				"tcp":     cty.NumberIntVal(int64(filter.ProtoTCP)),
				"udp":     cty.NumberIntVal(int64(filter.ProtoUDP)),
				"icmpv6":  cty.NumberIntVal(int64(filter.ProtoICMPv6)),
				"sctp":    cty.NumberIntVal(int64(filter.ProtoSCTP)),
				"udplite": cty.NumberIntVal(int64(filter.ProtoUDPLite)),
			}),
		},
	}
}
