package cel

import (
	"net"
	"path/filepath"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/sark-labs/sark/internal/domain/policy"
)

// NewPolicyEnvironment creates the CEL environment rule conditions compile
// against. Conditions see the authorization input as five variables:
//   - user: map with id, email, role, teams, mfa_verified, mfa_methods
//   - action: the operation being authorized, e.g. "invoke_capability"
//   - tool: map with capability_id, name, sensitivity_level, requires_approval
//   - server: map with resource_id, name, protocol
//   - context: map with client_ip, request_id, timestamp
//
// tool and server are always present: when the request carries no
// capability their fields hold zero values, so conditions never fail on a
// missing key.
//
// Custom functions: glob, ip_in_cidr.
func NewPolicyEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		// Standard extensions
		ext.Strings(),
		ext.Sets(),

		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("action", cel.StringType),
		cel.Variable("tool", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("server", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),

		// glob: shell-style pattern matching for capability names.
		// Usage: glob("delete_*", tool.name)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p, ok := pattern.Value().(string)
					if !ok {
						return types.Bool(false)
					}
					n, ok := name.Value().(string)
					if !ok {
						return types.Bool(false)
					}
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		// ip_in_cidr: checks if an IP is within a CIDR range.
		// Usage: ip_in_cidr(context.client_ip, "10.0.0.0/8")
		cel.Function("ip_in_cidr",
			cel.Overload("ip_in_cidr_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(ipVal, cidrVal ref.Val) ref.Val {
					ipStr, ok := ipVal.Value().(string)
					if !ok {
						return types.Bool(false)
					}
					cidrStr, ok := cidrVal.Value().(string)
					if !ok {
						return types.Bool(false)
					}

					ip := net.ParseIP(ipStr)
					if ip == nil {
						return types.Bool(false)
					}

					_, network, err := net.ParseCIDR(cidrStr)
					if err != nil {
						return types.Bool(false)
					}

					return types.Bool(network.Contains(ip))
				}),
			),
		),
	)
}

// BuildActivation converts an authorization input into the CEL activation
// map. Nil snapshots become zero-valued maps and nil slices become empty
// lists so conditions stay total.
func BuildActivation(input *policy.AuthorizationInput) map[string]any {
	teams := input.User.Teams
	if teams == nil {
		teams = []string{}
	}
	methods := input.User.MFAMethods
	if methods == nil {
		methods = []string{}
	}

	tool := map[string]any{
		"capability_id":     "",
		"name":              "",
		"sensitivity_level": "",
		"requires_approval": false,
	}
	if input.Tool != nil {
		tool["capability_id"] = input.Tool.CapabilityID
		tool["name"] = input.Tool.Name
		tool["sensitivity_level"] = input.Tool.SensitivityLevel
		tool["requires_approval"] = input.Tool.RequiresApproval
	}

	server := map[string]any{
		"resource_id": "",
		"name":        "",
		"protocol":    "",
	}
	if input.Server != nil {
		server["resource_id"] = input.Server.ResourceID
		server["name"] = input.Server.Name
		server["protocol"] = input.Server.Protocol
	}

	return map[string]any{
		"user": map[string]any{
			"id":           input.User.ID,
			"email":        input.User.Email,
			"role":         input.User.Role,
			"teams":        teams,
			"mfa_verified": input.User.MFAVerified,
			"mfa_methods":  methods,
		},
		"action": input.Action,
		"tool":   tool,
		"server": server,
		"context": map[string]any{
			"client_ip":  input.Context.ClientIP,
			"request_id": input.Context.RequestID,
			"timestamp":  input.Context.Timestamp,
		},
	}
}
