package app

import (
	"fmt"
	"strings"

	"github.com/louisbranch/evented/internal/platform/config"
)

// Routes maps remote domains to the gRPC addresses that host them.
//
//	domains:
//	  inventory: inventory:8080
//	  wallet: wallet:8080
type Routes struct {
	Domains map[string]string `yaml:"domains"`
}

// LoadRoutes reads a routing file. An empty path yields no routes.
func LoadRoutes(path string) (Routes, error) {
	if strings.TrimSpace(path) == "" {
		return Routes{}, nil
	}
	var routes Routes
	if err := config.LoadYAMLFile(path, &routes); err != nil {
		return Routes{}, fmt.Errorf("load routes: %w", err)
	}
	for domain, addr := range routes.Domains {
		if strings.TrimSpace(domain) == "" || strings.TrimSpace(addr) == "" {
			return Routes{}, fmt.Errorf("load routes: domain %q needs an address", domain)
		}
	}
	return routes, nil
}
