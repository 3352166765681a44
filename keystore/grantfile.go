package keystore

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

// grantFileConfig holds configuration for the GrantFile.
type grantFileConfig struct {
	path     string
	dirPerm  os.FileMode
	filePerm os.FileMode
}

func defaultGrantFileConfig() grantFileConfig {
	return grantFileConfig{
		path:     filepath.Join(os.Getenv("HOME"), ".provamark", "key-grants.yaml"),
		dirPerm:  0o755,
		filePerm: 0o600,
	}
}

// GrantFileOption configures a GrantFile instance.
type GrantFileOption func(*grantFileConfig)

// WithPath sets the path to the grants file.
func WithPath(path string) GrantFileOption {
	return func(c *grantFileConfig) {
		if path != "" {
			c.path = path
		}
	}
}

// WithFilePermissions sets the file permissions for the grants file.
func WithFilePermissions(perm os.FileMode) GrantFileOption {
	return func(c *grantFileConfig) {
		c.filePerm = perm
	}
}

// WithDirPermissions sets the directory permissions for the grants
// directory.
func WithDirPermissions(perm os.FileMode) GrantFileOption {
	return func(c *grantFileConfig) {
		c.dirPerm = perm
	}
}

// GrantFile persists which key aliases the user has permanently
// approved for signing.
type GrantFile struct {
	config grantFileConfig
}

// NewGrantFile creates a GrantFile with the given options.
func NewGrantFile(opts ...GrantFileOption) *GrantFile {
	cfg := defaultGrantFileConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &GrantFile{config: cfg}
}

type grantDoc struct {
	Aliases []string `yaml:"aliases"`
}

// Contains reports whether alias has a stored grant.
func (f *GrantFile) Contains(alias string) (bool, error) {
	doc, err := f.load()
	if err != nil {
		return false, err
	}
	return slices.Contains(doc.Aliases, alias), nil
}

// Add stores a permanent grant for alias.
func (f *GrantFile) Add(alias string) error {
	doc, err := f.load()
	if err != nil {
		return err
	}
	if slices.Contains(doc.Aliases, alias) {
		return nil
	}
	doc.Aliases = append(doc.Aliases, alias)
	slices.Sort(doc.Aliases)

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal grants: %w", err)
	}

	dir := filepath.Dir(f.config.path)
	if err := os.MkdirAll(dir, f.config.dirPerm); err != nil {
		return fmt.Errorf("failed to create grant directory: %w", err)
	}
	if err := os.WriteFile(f.config.path, data, f.config.filePerm); err != nil {
		return fmt.Errorf("failed to write grant file: %w", err)
	}
	return nil
}

// Path returns the path to the backing file.
func (f *GrantFile) Path() string {
	return f.config.path
}

func (f *GrantFile) load() (*grantDoc, error) {
	data, err := os.ReadFile(f.config.path)
	if os.IsNotExist(err) {
		return &grantDoc{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read grant file: %w", err)
	}

	var doc grantDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse grant file: %w", err)
	}
	return &doc, nil
}
