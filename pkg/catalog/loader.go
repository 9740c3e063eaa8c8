// Package catalog materializes the agent catalog from the effective
// marketplace manifest and the local registry file.
package catalog

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/leeoohoo/mcp-subagent-router/pkg/ident"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
	"github.com/leeoohoo/mcp-subagent-router/pkg/runner"
)

// LoadMarketplace reads a marketplace manifest and builds agents and skills
// from the markdown documents it references. Loading is tolerant: a missing
// or unparsable manifest yields an empty result, and a missing referenced
// document skips that entry only.
func LoadMarketplace(manifestPath, pluginsRoot string) ([]models.Agent, []models.Skill) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, nil
	}
	var manifest models.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		slog.Warn("Ignoring unparsable marketplace manifest", "path", manifestPath, "error", err)
		return nil, nil
	}

	manifestDir := filepath.Dir(manifestPath)
	var (
		agents     []models.Agent
		skills     []models.Skill
		seenAgents = map[string]bool{}
		seenSkills = map[string]bool{}
	)

	for i := range manifest.Plugins {
		plugin := &manifest.Plugins[i]
		root := manifestDir
		if plugin.Source != "" {
			root = plugin.Source
			if !filepath.IsAbs(root) {
				base := pluginsRoot
				if base == "" {
					base = manifestDir
				}
				root = filepath.Join(base, plugin.Source)
			}
			if info, err := os.Stat(root); err != nil || !info.IsDir() {
				slog.Debug("Skipping plugin with missing source directory",
					"plugin", plugin.Key(), "dir", root)
				continue
			}
		}

		// Skills first: agents of the same plugin reference their ids.
		var skillIDs []string
		for _, ref := range plugin.Skills {
			doc, ok := parseDocRef(root, ref)
			if !ok {
				continue
			}
			skillIDs = append(skillIDs, doc.ID)
			if seenSkills[doc.ID] {
				continue
			}
			seenSkills[doc.ID] = true
			skills = append(skills, models.Skill{
				ID:          doc.ID,
				Name:        doc.Title,
				Description: doc.Description,
				Path:        doc.Path,
				Plugin:      plugin.Key(),
			})
		}

		var commands []models.Command
		for _, ref := range plugin.Commands {
			doc, ok := parseDocRef(root, ref)
			if !ok {
				continue
			}
			commands = append(commands, commandFromDoc(doc))
		}

		for _, ref := range plugin.Agents {
			doc, ok := parseDocRef(root, ref)
			if !ok {
				continue
			}
			if seenAgents[doc.ID] {
				continue
			}
			seenAgents[doc.ID] = true
			agents = append(agents, models.Agent{
				ID:               doc.ID,
				Name:             doc.Title,
				Description:      doc.Description,
				Category:         doc.Meta.Category,
				Skills:           skillIDs,
				DefaultSkills:    doc.Meta.DefaultSkills,
				Commands:         commands,
				DefaultCommand:   doc.Meta.DefaultCommand,
				SystemPromptPath: doc.Path,
				Plugin:           plugin.Key(),
			})
		}
	}
	return agents, skills
}

// docMeta is the optional YAML front matter of a catalog document.
type docMeta struct {
	Name           string            `yaml:"name"`
	Description    string            `yaml:"description"`
	Category       string            `yaml:"category"`
	DefaultCommand string            `yaml:"defaultCommand"`
	DefaultSkills  []string          `yaml:"defaultSkills"`
	Exec           string            `yaml:"exec"`
	Cwd            string            `yaml:"cwd"`
	Env            map[string]string `yaml:"env"`
}

// document is one parsed catalog markdown file.
type document struct {
	ID          string
	Title       string
	Description string
	Path        string
	Meta        docMeta
}

// parseDocRef resolves a manifest path reference and parses the document.
func parseDocRef(root, ref string) (*document, bool) {
	path, ok := resolveDocPath(root, ref)
	if !ok {
		return nil, false
	}
	return parseDoc(path)
}

// resolveDocPath applies the resolution cascade: the reference as-is, with
// .md appended, then as a directory holding SKILL.md or index.md.
func resolveDocPath(root, ref string) (string, bool) {
	base := ref
	if !filepath.IsAbs(base) {
		base = filepath.Join(root, ref)
	}
	for _, candidate := range []string{
		base,
		base + ".md",
		filepath.Join(base, "SKILL.md"),
		filepath.Join(base, "index.md"),
	} {
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, true
		}
	}
	return "", false
}

// parseDoc reads one markdown document: optional YAML front matter, then the
// first heading as title and the first plain line after it as description.
func parseDoc(path string) (*document, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	doc := &document{ID: docID(path), Path: path}
	body := string(raw)
	if meta, rest, ok := splitFrontMatter(body); ok {
		if err := yaml.Unmarshal([]byte(meta), &doc.Meta); err != nil {
			slog.Debug("Ignoring invalid front matter", "path", path, "error", err)
		}
		body = rest
	}

	title, desc := scanTitle(body)
	doc.Title = firstNonEmpty(doc.Meta.Name, title, doc.ID)
	doc.Description = firstNonEmpty(doc.Meta.Description, desc)
	return doc, true
}

// docID derives the catalog id from the file name; index documents take
// their parent directory's name.
func docID(path string) string {
	base := filepath.Base(path)
	if base == "SKILL.md" || base == "index.md" {
		return ident.Slug(filepath.Base(filepath.Dir(path)))
	}
	return ident.Slug(strings.TrimSuffix(base, filepath.Ext(base)))
}

// splitFrontMatter returns the YAML block between leading "---" fences and
// the remaining body.
func splitFrontMatter(s string) (meta, rest string, ok bool) {
	if !strings.HasPrefix(s, "---\n") && !strings.HasPrefix(s, "---\r\n") {
		return "", s, false
	}
	lines := strings.SplitAfterN(s, "\n", 2)
	if len(lines) < 2 {
		return "", s, false
	}
	body := lines[1]
	for _, fence := range []string{"\n---\n", "\n---\r\n"} {
		if idx := strings.Index(body, fence); idx >= 0 {
			return body[:idx], body[idx+len(fence):], true
		}
	}
	if strings.HasSuffix(body, "\n---") {
		return strings.TrimSuffix(body, "\n---"), "", true
	}
	return "", s, false
}

// scanTitle finds the first "# " heading and the first non-blank,
// non-heading line after it.
func scanTitle(body string) (title, description string) {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if title == "" {
			if strings.HasPrefix(trimmed, "# ") {
				title = strings.TrimSpace(trimmed[2:])
			}
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		description = trimmed
		return title, description
	}
	return title, ""
}

func commandFromDoc(doc *document) models.Command {
	cmd := models.Command{
		ID:               doc.ID,
		Name:             doc.Title,
		Description:      doc.Description,
		Cwd:              doc.Meta.Cwd,
		Env:              doc.Meta.Env,
		InstructionsPath: doc.Path,
	}
	if doc.Meta.Exec != "" {
		argv, err := runner.SplitCommand(doc.Meta.Exec)
		if err != nil {
			slog.Warn("Ignoring unparsable exec in command document", "path", doc.Path, "error", err)
		} else {
			cmd.Exec = argv
		}
	}
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
