// Package config loads the run description shared by every node of a
// stagegrid cluster.
//
// Configuration is built in layers: built-in defaults, then each file added
// with AddLayer (JSON or YAML, chosen by extension), then environment
// overrides. Objects merge key by key; arrays and scalars replace.
//
//	loader := config.NewLoader()
//	loader.AddLayer("pipeline.yaml")
//	loader.AddLayer("site.json")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//	set, err := cfg.Descriptors()
//
// # Environment Overrides
//
//	STAGEGRID_NATS_URL  NATS server URL
//	STAGEGRID_RUN       run identifier
//
// # Stage Expansion
//
// A stage entry with Instances > 1 expands into that many descriptors named
// <name>-<i>. When the stage references a checked fileset, instance i gets
// rank i, which is the fileset partition it must hold locally.
package config
