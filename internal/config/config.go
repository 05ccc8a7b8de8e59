package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"propline/internal/domain"
)

// DefaultWordLimit bounds the achievements text of a progress report.
const DefaultWordLimit = 250

// Config models propline.yml.
type Config struct {
	Portal struct {
		Name string `yaml:"name"`
	} `yaml:"portal"`
	Roles struct {
		// Directory maps portal role ids to display names for dashboards.
		Directory map[string]string `yaml:"directory"`
	} `yaml:"roles"`
	Reports struct {
		WordLimit int `yaml:"word_limit"`
	} `yaml:"reports"`
}

var knownRoles = map[string]bool{
	string(domain.RoleCollegeCommittee): true,
	string(domain.RoleRDDivision):       true,
	string(domain.RoleCenterManager):    true,
	string(domain.RoleEthicsBoard):      true,
	string(domain.RoleOVPRDE):           true,
	string(domain.RolePresident):        true,
	string(domain.RoleOSOURU):           true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Portal.Name == "" {
		return fmt.Errorf("config.portal.name is required")
	}
	if c.Reports.WordLimit < 0 {
		return fmt.Errorf("config.reports.word_limit must not be negative")
	}
	for role := range c.Roles.Directory {
		if !knownRoles[role] {
			return fmt.Errorf("config.roles.directory references unknown role %s", role)
		}
	}
	return nil
}

// Load reads and validates config from the workspace, falling back to the
// default config when no file exists.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "propline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Reports.WordLimit == 0 {
		cfg.Reports.WordLimit = DefaultWordLimit
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// DefaultTemplate returns the YAML written by config init.
func DefaultTemplate() string {
	return defaultTemplate
}

const defaultTemplate = `portal:
  name: Research Proposal Portal

roles:
  directory:
    CollegeCommittee: College Endorsement Committee
    RDDivision: Research & Development Division
    CenterManager: Research Center Manager
    EthicsBoard: Research Ethics Board
    OVPRDE: Office of the VP for Research, Development and Extension
    President: Office of the President
    OSOURU: Oversight and Statistics Unit

reports:
  word_limit: 250
`
