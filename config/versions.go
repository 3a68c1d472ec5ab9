package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
	"gopkg.in/yaml.v3"
)

// VersionCatalog is the set of OCPI versions and module endpoints this node publishes
type VersionCatalog struct {
	Entries []CatalogVersion `yaml:"versions"`
}

// CatalogVersion is one published version
type CatalogVersion struct {
	Version   string            `yaml:"version"`
	Endpoints []CatalogEndpoint `yaml:"endpoints"`
}

// CatalogEndpoint is a module endpoint, relative to the version base url
type CatalogEndpoint struct {
	Identifier ocpi.ModuleID      `yaml:"identifier"`
	Role       ocpi.InterfaceRole `yaml:"role"`
	Path       string             `yaml:"path"`
}

// DefaultVersionCatalog publishes the credentials and commands modules for version
func DefaultVersionCatalog(version string) *VersionCatalog {
	return &VersionCatalog{
		Entries: []CatalogVersion{
			{
				Version: version,
				Endpoints: []CatalogEndpoint{
					{Identifier: ocpi.ModuleCredentials, Role: ocpi.InterfaceSender, Path: "credentials"},
					{Identifier: ocpi.ModuleCredentials, Role: ocpi.InterfaceReceiver, Path: "credentials"},
					{Identifier: ocpi.ModuleCommands, Role: ocpi.InterfaceReceiver, Path: "commands"},
				},
			},
		},
	}
}

// LoadVersionCatalog reads the catalog from a YAML file, or returns the default catalog
// for version when path is empty. The configured version must be part of the catalog.
func LoadVersionCatalog(path, version string) (*VersionCatalog, error) {
	if path == "" {
		return DefaultVersionCatalog(version), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading version catalog %s: %w", path, err)
	}

	catalog := &VersionCatalog{}
	if err := yaml.Unmarshal(raw, catalog); err != nil {
		return nil, fmt.Errorf("parsing version catalog %s: %w", path, err)
	}

	for _, v := range catalog.Entries {
		if v.Version == "" {
			return nil, fmt.Errorf("version catalog %s: entry without version", path)
		}
		for _, e := range v.Endpoints {
			if e.Identifier == "" || e.Path == "" {
				return nil, fmt.Errorf("version catalog %s: version %s has an endpoint without identifier or path", path, v.Version)
			}
			if e.Role != ocpi.InterfaceSender && e.Role != ocpi.InterfaceReceiver {
				return nil, fmt.Errorf("version catalog %s: endpoint %s has invalid role %q", path, e.Identifier, e.Role)
			}
		}
	}

	if !catalog.Supports(version) {
		return nil, fmt.Errorf("version catalog %s does not publish the configured version %s", path, version)
	}
	return catalog, nil
}

// Supports reports whether version is published
func (c *VersionCatalog) Supports(version string) bool {
	for _, v := range c.Entries {
		if v.Version == version {
			return true
		}
	}
	return false
}

// Versions renders the versions list with absolute urls under baseURL
func (c *VersionCatalog) Versions(baseURL string) []ocpi.Version {
	base := strings.TrimRight(baseURL, "/")
	versions := make([]ocpi.Version, 0, len(c.Entries))
	for _, v := range c.Entries {
		versions = append(versions, ocpi.Version{
			Version: v.Version,
			URL:     fmt.Sprintf("%s/ocpi/%s", base, v.Version),
		})
	}
	return versions
}

// Details renders the endpoint catalog of version with absolute urls under baseURL
func (c *VersionCatalog) Details(baseURL, version string) (*ocpi.VersionDetails, bool) {
	base := strings.TrimRight(baseURL, "/")
	for _, v := range c.Entries {
		if v.Version != version {
			continue
		}
		versionURL := fmt.Sprintf("%s/ocpi/%s", base, v.Version)
		details := &ocpi.VersionDetails{
			Version:   v.Version,
			URL:       versionURL,
			Endpoints: make([]ocpi.Endpoint, 0, len(v.Endpoints)),
		}
		for _, e := range v.Endpoints {
			details.Endpoints = append(details.Endpoints, ocpi.Endpoint{
				Identifier: e.Identifier,
				Role:       e.Role,
				URL:        versionURL + "/" + strings.TrimLeft(e.Path, "/"),
			})
		}
		return details, true
	}
	return nil, false
}
