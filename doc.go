// Package oclfhir provides the core of a FHIR terminology server backed by an
// OCL-style repository of sources, collections and concepts.
//
// The engine answers three questions against owner-scoped, versioned
// terminology artifacts:
//
//   - $lookup: metadata for a single code in a CodeSystem
//   - $validate-code: whether a code (and optional display) is valid in a
//     CodeSystem or a member of a ValueSet
//   - $expand: the concrete, ordered, paginated concept list of a ValueSet
//
// # Quick Start
//
//	import (
//	    "github.com/cens-chile/oclfhir"
//	    "github.com/cens-chile/oclfhir/engine"
//	    "github.com/cens-chile/oclfhir/terminology"
//	)
//
//	repo := terminology.NewInMemoryRepository()
//	eng := engine.New(repo, logger, oclfhir.WithDefaultCount(50))
//
//	res, err := eng.Expand(ctx, scope, key, engine.Params{DisplayLanguage: "es"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, c := range res.Contains {
//	    fmt.Println(c.Code, c.Display)
//	}
//
// # Errors
//
// Every failure is an *Error carrying a Kind. AccessDenied is rendered
// exactly like ArtifactNotFound so callers cannot probe for private artifacts.
//
// # Packages
//
//   - model: owners, snapshots, concepts, compose rules, version index
//   - repository: read-only storage contracts
//   - terminology: in-memory repository seeded from FHIR R4 resources
//   - sqlstore: PostgreSQL and SQLite repository
//   - resolver: owner/version/canonical identity resolution with caching
//   - filter: compose filter compilation and hierarchy traversal
//   - engine: expansion, lookup and validation
//   - api: HTTP routes and FHIR result assembly
package oclfhir
