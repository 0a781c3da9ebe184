package config

import (
	"fmt"
	"strings"
	"time"
)

// CustomAttribute is a span attribute computed from an expression.
type CustomAttribute struct {
	Name       string
	Expression string
}

// HostArgs holds the parsed kvp-host command line.
type HostArgs struct {
	// RequestType is the canonical request type to send.
	RequestType string
	// Argument is the Configure document path ("-" for stdin) or the
	// response id to acknowledge.
	Argument string
	// Timeout overrides KVP_REQUEST_TIMEOUT when non-zero.
	Timeout time.Duration
	// TraceID is an expression for the trace ID; empty means request_id.
	TraceID string
	// CustomAttributes are added to the kvp.send and kvp.poll spans.
	CustomAttributes []CustomAttribute

	ShowHelp    bool
	ShowVersion bool
}

// requestTypes maps lower-cased names to canonical types and whether the
// type takes a positional argument.
var requestTypes = map[string]struct {
	canonical string
	needsArg  bool
}{
	"getversion":     {"GetVersion", false},
	"isuserloggedin": {"IsUserLoggedIn", false},
	"configure":      {"Configure", true},
	"ack":            {"Ack", true},
}

// Usage returns the kvp-host help text.
func Usage(programName string) string {
	return fmt.Sprintf(`Usage: %[1]s [options] <request-type> [ARG]

Request types:
  GetVersion            ask the agent for its protocol version
  IsUserLoggedIn        ask whether an interactive user is logged in
  Configure FILE        apply a YAML configuration document ("-" reads stdin)
  Ack ID                let the agent delete the response written under ID

Options:
  -a, --attribute NAME=EXPR   add a span attribute computed from EXPR
  -t, --trace-id EXPR         trace ID expression (default: request_id)
      --timeout DURATION      response timeout (default: $KVP_REQUEST_TIMEOUT)
  -v, --version               print version and exit
  -h, --help                  print this help and exit

Example:
  %[1]s -a vm.name='"devbox"' Configure setup.yaml
`, programName)
}

// ParseArgs parses the kvp-host command line.
// Expected format: program_name [options] <request-type> [ARG]
func ParseArgs(args []string) (*HostArgs, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no arguments provided")
	}

	programName := args[0]
	cfg := &HostArgs{}
	var positional []string

	for i := 1; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-h", "--help":
			cfg.ShowHelp = true
			return cfg, nil
		case "-v", "--version":
			cfg.ShowVersion = true
			return cfg, nil
		case "-a", "--attribute":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", arg)
			}
			attr, err := parseCustomAttribute(args[i+1])
			if err != nil {
				return nil, err
			}
			cfg.CustomAttributes = append(cfg.CustomAttributes, attr)
			i++
		case "-t", "--trace-id":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", arg)
			}
			cfg.TraceID = args[i+1]
			i++
		case "--timeout":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--timeout requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("--timeout must be a positive duration, got %q", args[i+1])
			}
			cfg.Timeout = d
			i++
		case "--":
			positional = append(positional, args[i+1:]...)
			i = len(args)
		default:
			if strings.HasPrefix(arg, "-") && arg != "-" {
				return nil, fmt.Errorf("unknown option %q\n\n%s", arg, Usage(programName))
			}
			positional = append(positional, arg)
		}
	}

	if len(positional) == 0 {
		return nil, fmt.Errorf("missing request type\n\n%s", Usage(programName))
	}

	rt, ok := requestTypes[strings.ToLower(positional[0])]
	if !ok {
		return nil, fmt.Errorf("unknown request type %q\n\n%s", positional[0], Usage(programName))
	}
	cfg.RequestType = rt.canonical

	switch {
	case rt.needsArg && len(positional) != 2:
		return nil, fmt.Errorf("%s requires exactly one argument", rt.canonical)
	case !rt.needsArg && len(positional) != 1:
		return nil, fmt.Errorf("%s takes no argument", rt.canonical)
	}
	if rt.needsArg {
		cfg.Argument = positional[1]
	}

	return cfg, nil
}

// parseCustomAttribute splits NAME=EXPR on the first '='.
func parseCustomAttribute(s string) (CustomAttribute, error) {
	name, expression, found := strings.Cut(s, "=")
	if !found {
		return CustomAttribute{}, fmt.Errorf("invalid custom attribute %q: expected NAME=EXPR", s)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return CustomAttribute{}, fmt.Errorf("invalid custom attribute %q: empty name", s)
	}
	if strings.TrimSpace(expression) == "" {
		return CustomAttribute{}, fmt.Errorf("invalid custom attribute %q: empty expression", s)
	}
	return CustomAttribute{Name: name, Expression: expression}, nil
}
