// Package policy validates proposed resources with Open Policy Agent (OPA)
// Rego policies before they are planned.
//
// An Engine implements engine.ResourceValidator. Register it on the planner's
// registry and every resource in a delta graph is evaluated against the
// enabled policies during admission:
//
//	pe, err := policy.NewEngine(policy.Config{
//	    AllowedRegions: []string{"eu-west-1", "us-east-1"},
//	}, logger)
//	if err != nil {
//	    return err
//	}
//	registry.RegisterValidator("policy", pe)
//
// # Policies
//
// Each policy is a Rego module whose package defines a deny set. Members are
// either strings or objects with message, severity and resource keys.
// Violations with severity error or critical reject the resource; other
// severities are logged as warnings.
//
// Built-in policies check resource identity, ownership in production, the
// region allow-list and the project naming pattern. The allow-list and pattern
// are read from data.keel.config.
//
// # Custom policies
//
// A Loader reads .rego files and .json policy or bundle files. Watch reloads
// them when the directory changes:
//
//	loader := policy.NewLoader(logger)
//	custom, err := loader.LoadFromPaths([]string{dir})
//	if err != nil {
//	    return err
//	}
//	if err := pe.ReplaceCustomPolicies(ctx, custom); err != nil {
//	    return err
//	}
//	err = loader.Watch(ctx, []string{dir}, pe.ReplaceCustomPolicies)
package policy
