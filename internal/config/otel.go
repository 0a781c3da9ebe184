package config

import (
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

const defaultOTLPEndpoint = "localhost:4318"

// OTELConfig is the exporter side of tracing. The standard OTEL_ variable
// names are kept so existing collectors need no extra setup.
type OTELConfig struct {
	ServiceName        string  `env:"OTEL_SERVICE_NAME" envDefault:"kvp-bridge"`
	ResourceAttributes string  `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:""`
	ExporterEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	TracesEndpoint     string  `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT" envDefault:""`
	SampleRatio        float64 `env:"KVP_TRACE_SAMPLE_RATIO" envDefault:"1"`
}

// GetEndpoint picks the traces endpoint over the generic one. The exporter
// wants host:port, so a scheme and trailing slash are stripped.
func (c *OTELConfig) GetEndpoint() string {
	endpoint := c.TracesEndpoint
	if endpoint == "" {
		endpoint = c.ExporterEndpoint
	}
	if endpoint == "" {
		return defaultOTLPEndpoint
	}
	for _, scheme := range []string{"http://", "https://"} {
		endpoint = strings.TrimPrefix(endpoint, scheme)
	}
	return strings.TrimSuffix(endpoint, "/")
}

// ParseResourceAttributes reads OTEL_RESOURCE_ATTRIBUTES
// (key1=value1,key2=value2). Pairs without a key are skipped.
func (c *OTELConfig) ParseResourceAttributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for _, pair := range strings.Split(c.ResourceAttributes, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		attrs = append(attrs, attribute.String(key, strings.TrimSpace(value)))
	}
	return attrs
}
