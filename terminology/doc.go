// Package terminology provides an in-memory implementation of the concept
// repository.
//
// The package provides:
//   - InMemoryRepository: snapshots, a per-snapshot concept arena and value set
//     associations, safe for concurrent readers
//   - R4 loaders: CodeSystem and ValueSet resources (single, Bundle or a package
//     directory) become snapshots, concepts and compose rules
//   - Builtins: a few HL7 code systems preloaded in the global registry
//
// Example usage:
//
//	repo := terminology.NewWithBuiltins()
//
//	// Load an organization's code systems
//	stats, err := repo.LoadFromDirectory(model.Org("WHO"), "./package")
//
//	// Read a concept
//	c, err := repo.ConceptByCode(ctx, snap.Ref(), "A00")
package terminology
