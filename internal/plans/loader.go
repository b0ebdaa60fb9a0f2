package plans

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zmcptools/zmcp/internal/log"
	"github.com/zmcptools/zmcp/internal/store"
)

// frontmatterDelimiter is the standard YAML frontmatter delimiter.
const frontmatterDelimiter = "---"

// planFrontmatter is the YAML header of a plan template file.
type planFrontmatter struct {
	Title       string          `yaml:"title"`
	Description string          `yaml:"description"`
	Sections    []store.Section `yaml:"sections"`
	Metadata    map[string]any  `yaml:"metadata"`
}

// LoadFromDir reads plan template files (*.md with YAML frontmatter) from
// dir and persists each as a draft plan for repositoryPath. A missing
// directory yields no plans; files with bad frontmatter are skipped.
func (s *Service) LoadFromDir(dir, repositoryPath string) ([]*store.Plan, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checking plans directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plans path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading plans directory: %w", err)
	}

	var plans []*store.Plan
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name())) //nolint:gosec // path is a validated directory entry
		if err != nil {
			log.Warn(log.CatObjective, "plan file unreadable", "file", entry.Name(), "error", err.Error())
			continue
		}

		fm, body, err := parseFrontmatter(string(content))
		if err != nil {
			log.Warn(log.CatObjective, "plan file skipped", "file", entry.Name(), "error", err.Error())
			continue
		}

		p, err := s.Create(CreateParams{
			RepositoryPath: repositoryPath,
			Title:          fm.Title,
			Description:    fm.Description,
			Objectives:     body,
			Sections:       fm.Sections,
			Metadata:       fm.Metadata,
		})
		if err != nil {
			return plans, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// parseFrontmatter splits markdown content into its YAML header and body.
// The header must open the file and close with a delimiter on its own line.
func parseFrontmatter(content string) (planFrontmatter, string, error) {
	var fm planFrontmatter

	if !strings.HasPrefix(content, frontmatterDelimiter) {
		return fm, "", fmt.Errorf("content does not start with frontmatter delimiter")
	}
	rest := content[len(frontmatterDelimiter):]
	yamlContent, body, found := strings.Cut(rest, "\n"+frontmatterDelimiter)
	if !found {
		return fm, "", fmt.Errorf("no closing frontmatter delimiter found")
	}
	yamlContent = strings.TrimPrefix(yamlContent, "\n")

	if err := yaml.Unmarshal([]byte(yamlContent), &fm); err != nil {
		return fm, "", fmt.Errorf("parsing YAML: %w", err)
	}
	if fm.Title == "" {
		return fm, "", fmt.Errorf("frontmatter missing required field: title")
	}
	return fm, strings.TrimPrefix(body, "\n"), nil
}
