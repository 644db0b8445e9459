package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// NodeConfig identifies one audio node and its credentials. The node set is
// fixed at startup; edits to the nodes file require a restart.
type NodeConfig struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	Secure   bool   `json:"secure"`
}

// RestURL returns the base URL of the node's REST endpoints.
func (n NodeConfig) RestURL() string {
	scheme := "http"
	if n.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, n.Host, n.Port)
}

// WSURL returns the node's websocket endpoint.
func (n NodeConfig) WSURL() string {
	scheme := "ws"
	if n.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/v4/websocket", scheme, n.Host, n.Port)
}

// LoadNodes reads the node list from cfg.NodesFile. When the file does not
// exist, a single node is assembled from the NODE_* environment variables so
// a bare deployment still works.
func LoadNodes(cfg *Config) ([]NodeConfig, error) {
	data, err := os.ReadFile(cfg.NodesFile)
	if os.IsNotExist(err) {
		return []NodeConfig{nodeFromEnv()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read nodes file %s: %w", cfg.NodesFile, err)
	}

	var nodes []NodeConfig
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("parse nodes file %s: %w", cfg.NodesFile, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("nodes file %s defines no nodes", cfg.NodesFile)
	}

	seen := make(map[string]bool, len(nodes))
	for i := range nodes {
		if nodes[i].Name == "" {
			nodes[i].Name = fmt.Sprintf("%s:%d", nodes[i].Host, nodes[i].Port)
		}
		if nodes[i].Host == "" || nodes[i].Port == 0 {
			return nil, fmt.Errorf("node %q missing host or port", nodes[i].Name)
		}
		if seen[nodes[i].Name] {
			return nil, fmt.Errorf("duplicate node name %q", nodes[i].Name)
		}
		seen[nodes[i].Name] = true
	}
	return nodes, nil
}

func nodeFromEnv() NodeConfig {
	return NodeConfig{
		Name:     getEnv("NODE_NAME", "main"),
		Host:     getEnv("NODE_HOST", "127.0.0.1"),
		Port:     getEnvInt("NODE_PORT", 2333),
		Password: getEnv("NODE_PASSWORD", "youshallnotpass"),
		Secure:   getEnvBool("NODE_SECURE", false),
	}
}
