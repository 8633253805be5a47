// Package config loads the Keel server configuration and the declarative
// resource type catalog.
//
// # Server configuration
//
// Load reads a YAML file over Default and applies the KEEL_DB_PATH and
// LOG_LEVEL environment overrides:
//
//	cfg, err := config.Load("/etc/keel/keel.yaml")
//
// # Catalog
//
// A catalog declares resource types without Go code. Each type names a CUE
// schema for its desired state, its edge constraints, and process templates
// for create, update and delete. Files may be YAML or CUE:
//
//	types:
//	  - type: bucket
//	    schema: |
//	      name: string
//	      versioned: bool | *false
//	    outputs:
//	      readers: {types: [reader], min: 0, max: 10}
//	    create:
//	      start: make
//	      tasks:
//	        - id: make
//	          definition: starlark
//	          context:
//	            script: |
//	              output = {"bucket_url": "s3://" + context["resource"]["desired_state"]["name"]}
//	          on_succeeded: [succeedProcess]
//	          on_failed: [failProcess]
//
// Catalog.Load registers a DeclarativeDefinition per type on an
// engine.Registry and the schemas on a SchemaRegistry, which is itself an
// engine.ResourceValidator. CatalogWatcher reloads the catalog on change.
//
// # Starlark
//
// StarlarkEvaluator runs plan scripts and the "starlark" task definition.
// A plan script sees resource, current, current_state, operation and
// requester, and may assign resource_id, upstream, desired_state, context and
// skip.
package config
