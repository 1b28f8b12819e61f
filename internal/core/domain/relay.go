package domain

// RelayServer describes one candidate-gathering server.
type RelayServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// RelayConfig is immutable once built. An empty config means host and
// server-reflexive gathering only.
type RelayConfig struct {
	servers []RelayServer
}

// NewRelayConfig selects the static server list when useRelay is set.
func NewRelayConfig(useRelay bool, servers []RelayServer) RelayConfig {
	if !useRelay || len(servers) == 0 {
		return RelayConfig{}
	}
	copied := make([]RelayServer, len(servers))
	for i, s := range servers {
		copied[i] = RelayServer{
			URLs:       append([]string(nil), s.URLs...),
			Username:   s.Username,
			Credential: s.Credential,
		}
	}
	return RelayConfig{servers: copied}
}

func (c RelayConfig) Servers() []RelayServer {
	out := make([]RelayServer, len(c.servers))
	copy(out, c.servers)
	return out
}

func (c RelayConfig) IsEmpty() bool {
	return len(c.servers) == 0
}
