package agentsdk

// Config holds the configuration for an agentsdk Agent.
type Config struct {
	// AgentID is the unique identifier this agent registers under.
	AgentID string

	// SubscribedTopics are the bus topics the agent wants delivered over
	// its EventStream connection.
	SubscribedTopics []string

	// BrokerAddr is the bridge's gRPC listen address, e.g. "localhost:50051".
	// Optional, defaults to "localhost:50051".
	BrokerAddr string

	// HeartbeatIntervalSeconds is the interval between Ping messages the agent sends
	// on its stream. Optional, defaults to 10.
	HeartbeatIntervalSeconds int
}

// WithDefaults returns a copy of c with default values applied for
// optional fields.
func (c *Config) WithDefaults() *Config {
	config := *c

	if config.BrokerAddr == "" {
		config.BrokerAddr = "localhost:50051"
	}
	if config.HeartbeatIntervalSeconds <= 0 {
		config.HeartbeatIntervalSeconds = 10
	}

	return &config
}

// Validate checks that required configuration fields are set.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return ErrMissingAgentID
	}
	return nil
}
