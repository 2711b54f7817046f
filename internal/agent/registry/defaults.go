package registry

// DefaultAgents returns the built-in development catalog
func DefaultAgents() []*AgentSpec {
	return []*AgentSpec{
		{
			Name:        "echo",
			Description: "Development agent that echoes its running context back as the reply.",
			Version:     "0.1.0",
			Command:     []string{"mock-agent", "-echo-context"},
		},
	}
}
