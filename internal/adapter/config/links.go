package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/mnit-rtmc/iris-sub027/internal/domain"
	"gopkg.in/yaml.v3"
)

var envBraces = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvBraces expands only ${VAR} and ${VAR:default} patterns, so
// tokens and community strings containing a bare $ are kept as written.
func expandEnvBraces(s string) string {
	return envBraces.ReplaceAllStringFunc(s, func(match string) string {
		parts := envBraces.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// LinksFile is the on-disk link table.
type LinksFile struct {
	Links []*domain.Link `yaml:"links"`
}

// LoadLinks reads, defaults and validates the link table at path.
func LoadLinks(path string) ([]*domain.Link, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read links file: %w", err)
	}
	return ParseLinks(data)
}

// ParseLinks parses a link table document.
func ParseLinks(data []byte) ([]*domain.Link, error) {
	var file LinksFile
	if err := yaml.Unmarshal([]byte(expandEnvBraces(string(data))), &file); err != nil {
		return nil, fmt.Errorf("failed to parse links: %w", err)
	}

	links := make(map[string]struct{}, len(file.Links))
	controllers := make(map[string]string)
	for i, l := range file.Links {
		if l == nil {
			return nil, fmt.Errorf("link %d: empty definition", i)
		}
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("link %d (%s): %w", i, l.ID, err)
		}
		if _, ok := links[l.ID]; ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrLinkExists, l.ID)
		}
		links[l.ID] = struct{}{}
		for _, c := range l.Controllers {
			if other, ok := controllers[c.ID]; ok {
				return nil, fmt.Errorf("%w: %s on links %s and %s", domain.ErrDuplicateController, c.ID, other, l.ID)
			}
			controllers[c.ID] = l.ID
		}
		l.ApplyDefaults()
	}
	return file.Links, nil
}
