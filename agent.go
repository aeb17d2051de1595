package athanor

// Agent is a persona: a system prompt, a tool allow-list, and a default
// model. Personas are configuration; they carry no runtime state.
type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
	// Tools restricts the catalog for this persona. Empty means every tool
	// the user's tier allows.
	Tools        []string `json:"tools,omitempty"`
	DefaultModel string   `json:"default_model,omitempty"`
}

// AgentCatalog is the immutable persona table loaded at startup.
type AgentCatalog struct {
	agents map[string]*Agent
	order  []string
}

// NewAgentCatalog builds a catalog. Later duplicates override earlier ones.
func NewAgentCatalog(agents ...Agent) *AgentCatalog {
	c := &AgentCatalog{agents: make(map[string]*Agent, len(agents))}
	for i := range agents {
		a := agents[i]
		if _, dup := c.agents[a.ID]; !dup {
			c.order = append(c.order, a.ID)
		}
		c.agents[a.ID] = &a
	}
	return c
}

// Get returns the persona by id.
func (c *AgentCatalog) Get(id string) (*Agent, bool) {
	a, ok := c.agents[id]
	return a, ok
}

// List returns personas in registration order.
func (c *AgentCatalog) List() []*Agent {
	out := make([]*Agent, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.agents[id])
	}
	return out
}
