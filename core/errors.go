package core

import "fmt"

// Error taxonomy. Config and proxy failures are kept apart so the data
// plane can map them to HTTP statuses without string matching.

type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Reason
}

func errConfig(format string, args ...interface{}) error {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

type ProxyError struct {
	Reason string
}

func (e *ProxyError) Error() string {
	return "proxy: " + e.Reason
}

func errProxy(format string, args ...interface{}) error {
	return &ProxyError{Reason: fmt.Sprintf(format, args...)}
}

type ServiceNotFound struct {
	Reason string
}

func (e *ServiceNotFound) Error() string {
	return "service not found: " + e.Reason
}
