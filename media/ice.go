// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package media

import "github.com/pion/webrtc/v4"

// ICEServer is one STUN or TURN server entry. The yaml tags let CLI
// config files describe servers directly.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// ICEConfig holds ICE server configuration for new transports. An
// empty config gathers host candidates only, which is sufficient for
// same-machine and same-LAN sessions.
type ICEConfig struct {
	// Servers is tried in order during candidate gathering.
	Servers []ICEServer `yaml:"servers"`

	// IncludeLoopback admits loopback candidates. Needed when both
	// peers run on one machine, as in tests.
	IncludeLoopback bool `yaml:"include_loopback,omitempty"`
}

func (c ICEConfig) webrtcServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.Servers))
	for _, server := range c.Servers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return servers
}
