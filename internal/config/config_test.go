package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs_BasicRequest(t *testing.T) {
	cfg, err := ParseArgs([]string{"kvp-host", "GetVersion"})

	require.NoError(t, err)
	assert.Equal(t, "GetVersion", cfg.RequestType)
	assert.Empty(t, cfg.Argument)
	assert.Empty(t, cfg.TraceID, "trace ID expression should be empty when not provided")
	assert.Empty(t, cfg.CustomAttributes)
	assert.Zero(t, cfg.Timeout)
}

func TestParseArgs_RequestTypeCaseInsensitive(t *testing.T) {
	cfg, err := ParseArgs([]string{"kvp-host", "isuserloggedin"})
	require.NoError(t, err)
	assert.Equal(t, "IsUserLoggedIn", cfg.RequestType)
}

func TestParseArgs_ConfigureWithFile(t *testing.T) {
	cfg, err := ParseArgs([]string{"kvp-host", "--timeout", "2m", "Configure", "setup.yaml"})
	require.NoError(t, err)
	assert.Equal(t, "Configure", cfg.RequestType)
	assert.Equal(t, "setup.yaml", cfg.Argument)
	assert.Equal(t, 2*time.Minute, cfg.Timeout)
}

func TestParseArgs_ConfigureFromStdin(t *testing.T) {
	cfg, err := ParseArgs([]string{"kvp-host", "Configure", "-"})
	require.NoError(t, err)
	assert.Equal(t, "-", cfg.Argument)
}

func TestParseArgs_Ack(t *testing.T) {
	cfg, err := ParseArgs([]string{"kvp-host", "Ack", "DevSetup{abc}"})
	require.NoError(t, err)
	assert.Equal(t, "Ack", cfg.RequestType)
	assert.Equal(t, "DevSetup{abc}", cfg.Argument)
}

func TestParseArgs_WithTraceID(t *testing.T) {
	cfg, err := ParseArgs([]string{"kvp-host", "-t", `fields["TraceId"]`, "GetVersion"})
	require.NoError(t, err)
	assert.Equal(t, `fields["TraceId"]`, cfg.TraceID)
}

func TestParseArgs_MultipleCustomAttributes(t *testing.T) {
	args := []string{
		"kvp-host",
		"-a", `vm=fields["VmName"]`,
		"--attribute", `check=request_type=="Configure"`,
		"GetVersion",
	}

	cfg, err := ParseArgs(args)
	require.NoError(t, err)
	require.Len(t, cfg.CustomAttributes, 2)
	assert.Equal(t, "vm", cfg.CustomAttributes[0].Name)
	assert.Equal(t, `fields["VmName"]`, cfg.CustomAttributes[0].Expression)
	assert.Equal(t, "check", cfg.CustomAttributes[1].Name)
	assert.Equal(t, `request_type=="Configure"`, cfg.CustomAttributes[1].Expression)
}

func TestParseArgs_CustomAttributeInvalid(t *testing.T) {
	for _, value := range []string{"invalid_no_equals", "=value", "name=", "name=   "} {
		_, err := ParseArgs([]string{"kvp-host", "-a", value, "GetVersion"})
		assert.Error(t, err, value)
	}
}

func TestParseArgs_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"no args", []string{}, "no arguments"},
		{"no request", []string{"kvp-host"}, "missing request type"},
		{"unknown request", []string{"kvp-host", "Reboot"}, "unknown request type"},
		{"unknown option", []string{"kvp-host", "--frobnicate", "GetVersion"}, "unknown option"},
		{"configure without file", []string{"kvp-host", "Configure"}, "requires exactly one argument"},
		{"ack without id", []string{"kvp-host", "Ack"}, "requires exactly one argument"},
		{"extra argument", []string{"kvp-host", "GetVersion", "extra"}, "takes no argument"},
		{"missing attribute value", []string{"kvp-host", "-a"}, "requires a value"},
		{"missing trace value", []string{"kvp-host", "--trace-id"}, "requires a value"},
		{"bad timeout", []string{"kvp-host", "--timeout", "soon", "GetVersion"}, "positive duration"},
		{"negative timeout", []string{"kvp-host", "--timeout", "-1s", "GetVersion"}, "positive duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseArgs(tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseArgs_HelpAndVersion(t *testing.T) {
	cfg, err := ParseArgs([]string{"kvp-host", "--help", "bogus"})
	require.NoError(t, err)
	assert.True(t, cfg.ShowHelp)

	cfg, err = ParseArgs([]string{"kvp-host", "-v"})
	require.NoError(t, err)
	assert.True(t, cfg.ShowVersion)
}

func TestParseArgs_DoubleDash(t *testing.T) {
	cfg, err := ParseArgs([]string{"kvp-host", "-a", "x=request_id", "--", "Ack", "-odd-id"})
	require.NoError(t, err)
	assert.Equal(t, "-odd-id", cfg.Argument)
}

func TestUsage(t *testing.T) {
	usage := Usage("kvp-host")
	assert.True(t, strings.HasPrefix(usage, "Usage: kvp-host"))
	assert.Contains(t, usage, "Configure FILE")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "DevSetup", cfg.Prefix)
	assert.Equal(t, 1000, cfg.MaxChunkSize)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Retention)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, TransportMemory, cfg.Transport)
	assert.Equal(t, "kvp_from_host", cfg.FromHost)
	assert.Equal(t, "kvp_to_host", cfg.ToHost)
	assert.Equal(t, "kvp-bridge", cfg.OTEL.ServiceName)
	assert.Equal(t, 1.0, cfg.OTEL.SampleRatio)
	assert.Zero(t, cfg.RateLimit)
	assert.Equal(t, 10, cfg.RateBurst)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("KVP_PREFIX", "Guest")
	t.Setenv("KVP_MAX_CHUNK_SIZE", "512")
	t.Setenv("KVP_POLL_INTERVAL", "2s")
	t.Setenv("KVP_TRANSPORT", "redis")
	t.Setenv("KVP_ENV", "production")
	t.Setenv("OTEL_SERVICE_NAME", "kvp-agent")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "Guest", cfg.Prefix)
	assert.Equal(t, 512, cfg.MaxChunkSize)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, TransportRedis, cfg.Transport)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, "kvp-agent", cfg.OTEL.ServiceName)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"prefix with brace", map[string]string{"KVP_PREFIX": "Dev{Setup"}},
		{"prefix with separator", map[string]string{"KVP_PREFIX": "Dev~"}},
		{"zero chunk size", map[string]string{"KVP_MAX_CHUNK_SIZE": "0"}},
		{"unparsable chunk size", map[string]string{"KVP_MAX_CHUNK_SIZE": "big"}},
		{"zero interval", map[string]string{"KVP_POLL_INTERVAL": "0s"}},
		{"unknown transport", map[string]string{"KVP_TRANSPORT": "carrier-pigeon"}},
		{"negative rate", map[string]string{"KVP_RATE_LIMIT": "-1"}},
		{"zero burst", map[string]string{"KVP_RATE_BURST": "0"}},
		{"sample ratio above one", map[string]string{"KVP_TRACE_SAMPLE_RATIO": "1.5"}},
		{"same direction names", map[string]string{"KVP_FROM_HOST": "shared", "KVP_TO_HOST": "Shared"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestOTELConfig_GetEndpoint(t *testing.T) {
	tests := []struct {
		name string
		cfg  OTELConfig
		want string
	}{
		{"default", OTELConfig{}, "localhost:4318"},
		{"exporter", OTELConfig{ExporterEndpoint: "http://collector:4318/"}, "collector:4318"},
		{"traces wins", OTELConfig{ExporterEndpoint: "a:1", TracesEndpoint: "https://b:2"}, "b:2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.GetEndpoint())
		})
	}
}

func TestOTELConfig_ParseResourceAttributes(t *testing.T) {
	assert.Empty(t, (&OTELConfig{}).ParseResourceAttributes())

	cfg := OTELConfig{ResourceAttributes: "deployment.environment=lab, host.name = vm1 ,broken,=nokey"}
	attrs := cfg.ParseResourceAttributes()
	require.Len(t, attrs, 2)
	assert.Equal(t, "deployment.environment", string(attrs[0].Key))
	assert.Equal(t, "lab", attrs[0].Value.AsString())
	assert.Equal(t, "host.name", string(attrs[1].Key))
	assert.Equal(t, "vm1", attrs[1].Value.AsString())
}
