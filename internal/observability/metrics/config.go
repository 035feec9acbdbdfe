package metrics

import "github.com/prometheus/client_golang/prometheus"

// Config carries the constant labels stamped on every collector.
type Config struct {
	ServiceName string
	Environment string
}

func (c Config) constLabels() prometheus.Labels {
	serviceName := c.ServiceName
	if serviceName == "" {
		serviceName = "hotelier"
	}
	environment := c.Environment
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}
