package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		resourceIdentityPolicy(),
		ownershipPolicy(),
		regionPolicy(),
		projectNamingPolicy(),
	}
}

// resourceIdentityPolicy checks id and type.
func resourceIdentityPolicy() Policy {
	return Policy{
		Name:        "resource-identity",
		Description: "Resources must carry a type and an id without whitespace",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"identity"},
		Rego: `package keel.policies.identity

import rego.v1

deny contains violation if {
	resource := input.resource
	resource.type == ""
	violation := {
		"message": sprintf("resource %s has no type", [resource.id]),
		"resource": resource.id,
	}
}

deny contains violation if {
	resource := input.resource
	regex.match("\\s", resource.id)
	violation := {
		"message": sprintf("resource id '%s' must not contain whitespace", [resource.id]),
		"resource": resource.id,
	}
}

deny contains violation if {
	resource := input.resource
	count(resource.id) > 255
	violation := {
		"message": sprintf("resource id '%s' is longer than 255 characters", [resource.id]),
		"resource": resource.id,
	}
}
`,
	}
}

// ownershipPolicy requires an owner in production and warns elsewhere.
func ownershipPolicy() Policy {
	return Policy{
		Name:        "ownership",
		Description: "Production resources must name an owning group",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"ownership"},
		Rego: `package keel.policies.ownership

import rego.v1

missing_owner(resource) if {
	not resource.owner
}

missing_owner(resource) if {
	resource.owner == ""
}

deny contains violation if {
	resource := input.resource
	not resource.deleted
	resource.environment == "production"
	missing_owner(resource)
	violation := {
		"message": sprintf("production resource %s must have an owner", [resource.id]),
		"resource": resource.id,
	}
}

deny contains violation if {
	resource := input.resource
	not resource.deleted
	object.get(resource, "environment", "") != "production"
	missing_owner(resource)
	violation := {
		"message": sprintf("resource %s has no owner", [resource.id]),
		"severity": "warning",
		"resource": resource.id,
	}
}
`,
	}
}

// regionPolicy enforces data.keel.config.allowed_regions.
func regionPolicy() Policy {
	return Policy{
		Name:        "region-allow-list",
		Description: "Resources may only be placed in configured regions",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"placement"},
		Rego: `package keel.policies.region

import rego.v1

deny contains violation if {
	resource := input.resource
	not resource.deleted
	allowed := data.keel.config.allowed_regions
	count(allowed) > 0
	region := object.get(resource, "region", "")
	region != ""
	not region in allowed
	violation := {
		"message": sprintf("region '%s' of resource %s is not one of %v", [region, resource.id, allowed]),
		"resource": resource.id,
	}
}
`,
	}
}

// projectNamingPolicy enforces data.keel.config.project_pattern.
func projectNamingPolicy() Policy {
	return Policy{
		Name:        "project-naming",
		Description: "Project names must match the configured pattern",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming"},
		Rego: `package keel.policies.project

import rego.v1

deny contains violation if {
	resource := input.resource
	project := object.get(resource, "project", "")
	project != ""
	not regex.match(data.keel.config.project_pattern, project)
	violation := {
		"message": sprintf("project '%s' of resource %s must match %s", [project, resource.id, data.keel.config.project_pattern]),
		"resource": resource.id,
	}
}
`,
	}
}
