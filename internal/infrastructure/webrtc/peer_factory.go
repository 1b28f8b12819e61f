package webrtc

import (
	"fmt"

	"genloop/internal/core/domain"
	"genloop/internal/core/services"
	"genloop/pkg/config"

	"github.com/pion/webrtc/v3"
)

// PeerConfig controls how peer connections are built.
type PeerConfig struct {
	Relay     domain.RelayConfig
	PortRange struct {
		Min uint16
		Max uint16
	}
	// IncludeLoopback gathers 127.0.0.1 candidates; needed for same-host peers.
	IncludeLoopback bool
}

// ICEServers converts a relay config to pion's representation. An empty
// config yields host and server-reflexive gathering only.
func ICEServers(relay domain.RelayConfig) []webrtc.ICEServer {
	servers := relay.Servers()
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" || s.Credential != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}

// PeerConfigFrom derives peer settings from the webrtc config section.
func PeerConfigFrom(cfg *config.Config) PeerConfig {
	servers := make([]domain.RelayServer, 0, len(cfg.WebRTC.RelayServers))
	for _, s := range cfg.WebRTC.RelayServers {
		servers = append(servers, domain.RelayServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	peer := PeerConfig{
		Relay:           domain.NewRelayConfig(cfg.WebRTC.UseRelay, servers),
		IncludeLoopback: cfg.WebRTC.IncludeLoopback,
	}
	peer.PortRange.Min = cfg.WebRTC.PortRange.Min
	peer.PortRange.Max = cfg.WebRTC.PortRange.Max
	return peer
}

// SessionConfigFrom maps the client config onto a session config.
func SessionConfigFrom(cfg *config.Config) SessionConfig {
	return SessionConfig{
		ChannelLabel:      cfg.WebRTC.ChannelLabel,
		GatherTimeout:     cfg.WebRTC.GatherTimeout,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		Pipeline: services.PipelineConfig{
			PollInterval:  cfg.Pipeline.PollInterval,
			RetryInterval: cfg.Pipeline.RetryInterval,
		},
		CloseGrace: cfg.WebRTC.CloseGrace,
		Peer:       PeerConfigFrom(cfg),
	}
}

// createPeerConnection creates a new WebRTC connection
func createPeerConnection(cfg PeerConfig) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers:   ICEServers(cfg.Relay),
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	if cfg.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}
