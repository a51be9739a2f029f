// Package config loads the engine, API, logging and store settings and the
// initial rule tables, from HCL (primary), JSON or YAML.
package config

import "grimm.is/pktfilter/internal/brand"

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level configuration.
type Config struct {
	// Schema version for backward compatibility; empty means "1.0".
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty" yaml:"schema_version,omitempty"`

	Engine  *EngineConfig  `hcl:"engine,block" json:"engine,omitempty" yaml:"engine,omitempty"`
	API     *APIConfig     `hcl:"api,block" json:"api,omitempty" yaml:"api,omitempty"`
	Logging *LoggingConfig `hcl:"logging,block" json:"logging,omitempty" yaml:"logging,omitempty"`
	Store   *StoreConfig   `hcl:"store,block" json:"store,omitempty" yaml:"store,omitempty"`

	// Scopes seed the engine at startup when the store holds nothing for them.
	Scopes []ScopeConfig `hcl:"scope,block" json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// EngineConfig tunes the classification engine.
type EngineConfig struct {
	FastTierCapacity int    `hcl:"fast_tier_capacity,optional" json:"fast_tier_capacity,omitempty" yaml:"fast_tier_capacity,omitempty"`
	CacheSize        int    `hcl:"cache_size,optional" json:"cache_size,omitempty" yaml:"cache_size,omitempty"`
	MaxRulesPerScope int    `hcl:"max_rules_per_scope,optional" json:"max_rules_per_scope,omitempty" yaml:"max_rules_per_scope,omitempty"`
	DefaultAction    string `hcl:"default_action,optional" json:"default_action,omitempty" yaml:"default_action,omitempty"`

	// Fingerprint names the packet fields hashed into the match cache key,
	// e.g. ["src_addr", "dst_addr", "protocol", "src_port", "dst_port"].
	Fingerprint []string `hcl:"fingerprint,optional" json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled" yaml:"enabled"`
	Listen  string `hcl:"listen,optional" json:"listen,omitempty" yaml:"listen,omitempty"`
	// DecisionStream enables the websocket feed of classification events.
	DecisionStream bool `hcl:"decision_stream,optional" json:"decision_stream,omitempty" yaml:"decision_stream,omitempty"`
	// MutationsPerMinute caps rule changes per client IP; 0 disables the cap.
	MutationsPerMinute int `hcl:"mutations_per_minute,optional" json:"mutations_per_minute,omitempty" yaml:"mutations_per_minute,omitempty"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level string `hcl:"level,optional" json:"level,omitempty" yaml:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty" yaml:"json,omitempty"`

	Syslog *SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty" yaml:"syslog,omitempty"`
}

// SyslogConfig forwards a copy of the log to a remote syslog server.
//
//	logging {
//	  syslog {
//	    host = "10.0.0.5"
//	  }
//	}
type SyslogConfig struct {
	Host     string `hcl:"host" json:"host" yaml:"host"`
	Port     int    `hcl:"port,optional" json:"port,omitempty" yaml:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Tag      string `hcl:"tag,optional" json:"tag,omitempty" yaml:"tag,omitempty"`
	Facility int    `hcl:"facility,optional" json:"facility,omitempty" yaml:"facility,omitempty"`
}

// StoreConfig locates the rule store.
type StoreConfig struct {
	Path string `hcl:"path,optional" json:"path,omitempty" yaml:"path,omitempty"`
}

// ScopeConfig is one (IP version, table) rule table.
//
//	scope "v4" "lan" {
//	  rule "dns" {
//	    action   = "wan1"
//	    protocol = proto.udp
//	    dst_port = 53
//	    hashable = true
//	  }
//	}
type ScopeConfig struct {
	IP    string       `hcl:"ip,label" json:"ip" yaml:"ip"`
	Table string       `hcl:"table,label" json:"table" yaml:"table"`
	Rules []RuleConfig `hcl:"rule,block" json:"rules,omitempty" yaml:"rules,omitempty"`
}

// RuleConfig is the configuration form of one rule. Unset attributes are
// wildcards.
type RuleConfig struct {
	Name         string `hcl:"name,label" json:"name" yaml:"name"`
	Action       string `hcl:"action" json:"action" yaml:"action"`
	Hashable     bool   `hcl:"hashable,optional" json:"hashable,omitempty" yaml:"hashable,omitempty"`
	MaxPriority  bool   `hcl:"max_priority,optional" json:"max_priority,omitempty" yaml:"max_priority,omitempty"`
	RetainHeader bool   `hcl:"retain_header,optional" json:"retain_header,omitempty" yaml:"retain_header,omitempty"`

	// Addresses take "addr", "addr/prefixlen" or "addr/mask".
	SrcAddr string `hcl:"src_addr,optional" json:"src_addr,omitempty" yaml:"src_addr,omitempty"`
	DstAddr string `hcl:"dst_addr,optional" json:"dst_addr,omitempty" yaml:"dst_addr,omitempty"`

	Protocol *int `hcl:"protocol,optional" json:"protocol,omitempty" yaml:"protocol,omitempty"`
	SrcPort  *int `hcl:"src_port,optional" json:"src_port,omitempty" yaml:"src_port,omitempty"`
	DstPort  *int `hcl:"dst_port,optional" json:"dst_port,omitempty" yaml:"dst_port,omitempty"`
	// Port ranges take "lo-hi".
	SrcPortRange string `hcl:"src_port_range,optional" json:"src_port_range,omitempty" yaml:"src_port_range,omitempty"`
	DstPortRange string `hcl:"dst_port_range,optional" json:"dst_port_range,omitempty" yaml:"dst_port_range,omitempty"`

	TOS       *int `hcl:"tos,optional" json:"tos,omitempty" yaml:"tos,omitempty"`
	TOSMask   *int `hcl:"tos_mask,optional" json:"tos_mask,omitempty" yaml:"tos_mask,omitempty"`
	FlowLabel *int `hcl:"flow_label,optional" json:"flow_label,omitempty" yaml:"flow_label,omitempty"`
	Fragment  bool `hcl:"fragment,optional" json:"fragment,omitempty" yaml:"fragment,omitempty"`
	PureAck   bool `hcl:"pure_ack,optional" json:"pure_ack,omitempty" yaml:"pure_ack,omitempty"`
	VLAN      *int `hcl:"vlan,optional" json:"vlan,omitempty" yaml:"vlan,omitempty"`
}

// DefaultConfig returns a config with every block present and defaults filled.
func DefaultConfig() *Config {
	cfg := &Config{SchemaVersion: CurrentSchemaVersion}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills missing blocks and empty values.
func (c *Config) applyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.Engine == nil {
		c.Engine = &EngineConfig{}
	}
	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.Listen == "" {
		c.API.Listen = brand.DefaultListen
	}
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Store == nil {
		c.Store = &StoreConfig{}
	}
}
