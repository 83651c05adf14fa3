package kernel

import (
	"encoding/json"
	"os"
)

// Configuration holds the options listed in spec section 6, loadable from JSON with
// LoadConfiguration. Neither txn.Manager nor registry.Registry takes a Configuration, and the
// kernel itself never reads it from a global.
type Configuration struct {
	// TwoPCMode records whether the two-phase prepare/commit round trip is wanted. txn.Manager
	// does not read it: commit always prepares and commits every touched adapter that
	// implements adapter.TwoPC.
	TwoPCMode bool `json:"two_pc_mode"`
	// DockerInstances lists configured Docker instances bindable under an adapter
	// descriptor's "docker" settings mode.
	DockerInstances []string `json:"docker_instances"`
	// MVCCNamespaces is the set of namespace ids for which entities own an identifier
	// registry and commit-instant log.
	MVCCNamespaces []NamespaceID `json:"mvcc_namespaces"`
}

// IsMVCCNamespace reports whether ns is configured for MVCC bookkeeping.
func (c Configuration) IsMVCCNamespace(ns NamespaceID) bool {
	for _, n := range c.MVCCNamespaces {
		if n == ns {
			return true
		}
	}
	return false
}

// LoadConfiguration reads a JSON file into a Configuration.
func LoadConfiguration(filename string) (Configuration, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return Configuration{}, err
	}
	var c Configuration
	if err := json.Unmarshal(b, &c); err != nil {
		return Configuration{}, err
	}
	return c, nil
}
