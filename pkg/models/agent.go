package models

// Agent is a configured sub-agent: the unit of selection and execution.
// Agents come from marketplace plugins or the local registry file; registry
// entries win on ID collision.
type Agent struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	Category         string    `json:"category,omitempty"`
	Skills           []string  `json:"skills,omitempty"`
	DefaultSkills    []string  `json:"defaultSkills,omitempty"`
	Commands         []Command `json:"commands,omitempty"`
	DefaultCommand   string    `json:"defaultCommand,omitempty"`
	SystemPromptPath string    `json:"systemPromptPath,omitempty"`
	Plugin           string    `json:"plugin,omitempty"`
}

// Command describes one way to run an agent. A command with a non-empty Exec
// runs as a child process; without Exec the run is an LLM conversation guided
// by the command's instructions document.
type Command struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	Description      string            `json:"description,omitempty"`
	Exec             []string          `json:"exec,omitempty"`
	Cwd              string            `json:"cwd,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	InstructionsPath string            `json:"instructionsPath,omitempty"`
}

// IsProcess reports whether the command runs as a child process.
func (c *Command) IsProcess() bool {
	return c != nil && len(c.Exec) > 0
}

// Skill is a reusable capability document that can be injected into an
// agent's system prompt.
type Skill struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Path        string `json:"path"`
	Plugin      string `json:"plugin,omitempty"`
}

// Manifest is the decoded form of a marketplace JSON document.
type Manifest struct {
	Name    string           `json:"name,omitempty"`
	Plugins []ManifestPlugin `json:"plugins"`
}

// ManifestPlugin is one plugin entry in a marketplace manifest. Agents,
// Skills and Commands are paths to markdown documents relative to the
// plugins root.
type ManifestPlugin struct {
	Name     string   `json:"name,omitempty"`
	Source   string   `json:"source,omitempty"`
	Agents   []string `json:"agents,omitempty"`
	Skills   []string `json:"skills,omitempty"`
	Commands []string `json:"commands,omitempty"`
}

// Key returns the identity used for first-occurrence-wins merging across
// marketplaces: source if set, else name.
func (p *ManifestPlugin) Key() string {
	if p.Source != "" {
		return p.Source
	}
	return p.Name
}
