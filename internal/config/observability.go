package config

import (
	"fmt"
	"strings"
	"time"
)

// ObservabilityConfig configures the admin listener that serves the
// health probes and the Prometheus endpoint, apart from the evaluation
// traffic of the sidecar.
type ObservabilityConfig struct {
	Port    string        `envconfig:"PORT" default:"9090"`
	Timeout time.Duration `envconfig:"TIMEOUT" default:"5s" validate:"min=1s"`

	LivenessPath  string `envconfig:"LIVENESS_PATH" default:"/health/live"`
	ReadinessPath string `envconfig:"READINESS_PATH" default:"/health/ready"`
	MetricsPath   string `envconfig:"METRICS_PATH" default:"/metrics"`
}

// Validate checks the admin port and routes. The port must not collide
// with the evaluation listeners of sidecar.
func (o *ObservabilityConfig) Validate(sidecar *SidecarConfig) error {
	if err := validatePort(o.Port, "observability"); err != nil {
		return err
	}
	if sidecar != nil && (o.Port == sidecar.HTTPPort || o.Port == sidecar.GRPCPort) {
		return fmt.Errorf("observability port %s is already used by the sidecar", o.Port)
	}

	routes := map[string]string{}
	for _, r := range []struct{ name, path string }{
		{"liveness", o.LivenessPath},
		{"readiness", o.ReadinessPath},
		{"metrics", o.MetricsPath},
	} {
		if !strings.HasPrefix(r.path, "/") {
			return fmt.Errorf("%s path must start with '/', got %q", r.name, r.path)
		}
		if other, taken := routes[r.path]; taken {
			return fmt.Errorf("%s and %s paths are both %q", other, r.name, r.path)
		}
		routes[r.path] = r.name
	}
	return nil
}
