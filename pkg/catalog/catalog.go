package catalog

import (
	"strings"
	"sync"

	"github.com/leeoohoo/mcp-subagent-router/pkg/ident"
	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
	"github.com/leeoohoo/mcp-subagent-router/pkg/services"
)

// Catalog is the in-memory agent catalog. It merges the effective
// marketplace manifest with the local registry file, where registry entries
// override marketplace agents by id. All accessors are safe for concurrent
// use; Reload swaps the internal maps atomically under the write lock.
type Catalog struct {
	mu           sync.RWMutex
	manifestPath string
	pluginsRoot  string
	registryPath string

	agents     map[string]*models.Agent
	agentOrder []string
	skills     map[string]*models.Skill
	skillOrder []string
	content    map[string]string
}

// New builds an empty catalog. Call Reload to populate it.
func New(manifestPath, pluginsRoot, registryPath string) *Catalog {
	return &Catalog{
		manifestPath: manifestPath,
		pluginsRoot:  pluginsRoot,
		registryPath: registryPath,
		agents:       map[string]*models.Agent{},
		skills:       map[string]*models.Skill{},
		content:      map[string]string{},
	}
}

// Reload rebuilds the catalog from the manifest and registry on disk.
func (c *Catalog) Reload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloadLocked()
}

func (c *Catalog) reloadLocked() {
	marketAgents, marketSkills := LoadMarketplace(c.manifestPath, c.pluginsRoot)
	registryAgents := loadRegistry(c.registryPath)

	agents := make(map[string]*models.Agent, len(marketAgents)+len(registryAgents))
	order := make([]string, 0, len(marketAgents)+len(registryAgents))
	for i := range marketAgents {
		a := marketAgents[i]
		if _, exists := agents[a.ID]; exists {
			continue
		}
		agents[a.ID] = &a
		order = append(order, a.ID)
	}
	for i := range registryAgents {
		a := registryAgents[i]
		if a.ID == "" {
			a.ID = ident.Slug(a.Name)
		}
		if a.ID == "" {
			continue
		}
		if _, exists := agents[a.ID]; !exists {
			order = append(order, a.ID)
		}
		agents[a.ID] = &a
	}

	skills := make(map[string]*models.Skill, len(marketSkills))
	skillOrder := make([]string, 0, len(marketSkills))
	for i := range marketSkills {
		s := marketSkills[i]
		if _, exists := skills[s.ID]; exists {
			continue
		}
		skills[s.ID] = &s
		skillOrder = append(skillOrder, s.ID)
	}

	c.agents = agents
	c.agentOrder = order
	c.skills = skills
	c.skillOrder = skillOrder
	c.content = map[string]string{}
}

// SetPluginsRoot changes the base directory for relative plugin sources and
// reloads the catalog.
func (c *Catalog) SetPluginsRoot(root string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pluginsRoot = root
	c.reloadLocked()
}

// ListAgents returns all agents in catalog order: marketplace order first,
// then registry-only additions.
func (c *Catalog) ListAgents() []models.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Agent, 0, len(c.agentOrder))
	for _, id := range c.agentOrder {
		out = append(out, *c.agents[id])
	}
	return out
}

// GetAgent returns the agent with the given id.
func (c *Catalog) GetAgent(id string) (*models.Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[id]
	if !ok {
		return nil, false
	}
	copied := *a
	return &copied, true
}

// ListSkills returns all skills in marketplace order.
func (c *Catalog) ListSkills() []models.Skill {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Skill, 0, len(c.skillOrder))
	for _, id := range c.skillOrder {
		out = append(out, *c.skills[id])
	}
	return out
}

// GetSkill returns the skill with the given id.
func (c *Catalog) GetSkill(id string) (*models.Skill, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.skills[id]
	if !ok {
		return nil, false
	}
	copied := *s
	return &copied, true
}

// ResolveSkills maps skill ids to skills, silently dropping unknown ids.
func (c *Catalog) ResolveSkills(ids []string) []models.Skill {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Skill, 0, len(ids))
	for _, id := range ids {
		if s, ok := c.skills[id]; ok {
			out = append(out, *s)
		}
	}
	return out
}

// ResolveCommand picks the command to run for an agent. A non-empty
// commandID matches by command id or name, case-insensitively, and returns
// nil when nothing matches. An empty commandID falls back to the agent's
// default command, then to its first command.
func ResolveCommand(agent *models.Agent, commandID string) *models.Command {
	if agent == nil {
		return nil
	}
	if commandID != "" {
		for i := range agent.Commands {
			cmd := &agent.Commands[i]
			if strings.EqualFold(cmd.ID, commandID) || strings.EqualFold(cmd.Name, commandID) {
				copied := *cmd
				return &copied
			}
		}
		return nil
	}
	if agent.DefaultCommand != "" {
		for i := range agent.Commands {
			cmd := &agent.Commands[i]
			if strings.EqualFold(cmd.ID, agent.DefaultCommand) || strings.EqualFold(cmd.Name, agent.DefaultCommand) {
				copied := *cmd
				return &copied
			}
		}
	}
	if len(agent.Commands) > 0 {
		copied := agent.Commands[0]
		return &copied
	}
	return nil
}

// SaveRegistryAgent creates or replaces an agent in the local registry file
// and reloads the catalog. The id defaults to the slug of the name.
func (c *Catalog) SaveRegistryAgent(agent models.Agent) error {
	if strings.TrimSpace(agent.Name) == "" {
		return services.NewValidationError("name", "name is required")
	}
	if agent.ID == "" {
		agent.ID = ident.Slug(agent.Name)
	}
	if agent.ID == "" {
		return services.NewValidationError("id", "id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	existing := loadRegistry(c.registryPath)
	replaced := false
	for i := range existing {
		if existing[i].ID == agent.ID {
			existing[i] = agent
			replaced = true
			break
		}
	}
	if !replaced {
		existing = append(existing, agent)
	}
	if err := saveRegistry(c.registryPath, existing); err != nil {
		return err
	}
	c.reloadLocked()
	return nil
}

// DeleteRegistryAgent removes an agent from the local registry file and
// reloads the catalog. Marketplace agents cannot be deleted this way.
func (c *Catalog) DeleteRegistryAgent(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing := loadRegistry(c.registryPath)
	kept := existing[:0]
	found := false
	for _, a := range existing {
		if a.ID == id {
			found = true
			continue
		}
		kept = append(kept, a)
	}
	if !found {
		return services.ErrNotFound
	}
	if err := saveRegistry(c.registryPath, kept); err != nil {
		return err
	}
	c.reloadLocked()
	return nil
}
