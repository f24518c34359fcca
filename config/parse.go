package config

import "gopkg.in/yaml.v3"

// ParseDiscovery decodes a discovery payload fragment (spec.md §6).
func ParseDiscovery(data []byte) (*Discovery, error) {
	var d Discovery
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ParseServices decodes a list of service descriptors, the static
// half of an agent's configuration.
func ParseServices(data []byte) ([]Service, error) {
	var services []Service
	if err := yaml.Unmarshal(data, &services); err != nil {
		return nil, err
	}
	return services, nil
}
