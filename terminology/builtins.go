package terminology

import "github.com/cens-chile/oclfhir/model"

type builtinCode struct {
	code, display string
}

type builtinSystem struct {
	mnemonic string
	url      string
	valueSet string
	version  string
	codes    []builtinCode
}

// builtinSystems are small HL7 code systems every FHIR server is expected to know.
var builtinSystems = []builtinSystem{
	{
		mnemonic: "administrative-gender",
		url:      "http://hl7.org/fhir/administrative-gender",
		valueSet: "http://hl7.org/fhir/ValueSet/administrative-gender",
		version:  "4.0.1",
		codes: []builtinCode{
			{"male", "Male"},
			{"female", "Female"},
			{"other", "Other"},
			{"unknown", "Unknown"},
		},
	},
	{
		mnemonic: "publication-status",
		url:      "http://hl7.org/fhir/publication-status",
		valueSet: "http://hl7.org/fhir/ValueSet/publication-status",
		version:  "4.0.1",
		codes: []builtinCode{
			{"draft", "Draft"},
			{"active", "Active"},
			{"retired", "Retired"},
			{"unknown", "Unknown"},
		},
	},
	{
		mnemonic: "filter-operator",
		url:      "http://hl7.org/fhir/filter-operator",
		valueSet: "http://hl7.org/fhir/ValueSet/filter-operator",
		version:  "4.0.1",
		codes: []builtinCode{
			{"=", "Equals"},
			{"is-a", "Is A (by subsumption)"},
			{"descendent-of", "Descendent Of (by subsumption)"},
			{"regex", "Regular Expression"},
			{"in", "In Set"},
			{"not-in", "Not in Set"},
			{"exists", "Exists"},
		},
	},
	{
		mnemonic: "data-absent-reason",
		url:      "http://terminology.hl7.org/CodeSystem/data-absent-reason",
		valueSet: "http://hl7.org/fhir/ValueSet/data-absent-reason",
		version:  "4.0.1",
		codes: []builtinCode{
			{"unknown", "Unknown"},
			{"asked-unknown", "Asked But Unknown"},
			{"not-asked", "Not Asked"},
			{"masked", "Masked"},
			{"not-applicable", "Not Applicable"},
		},
	},
}

// loadBuiltins registers the builtin systems in the global registry, each with
// a value set including the whole system.
func (r *InMemoryRepository) loadBuiltins() {
	for _, b := range builtinSystems {
		cs, err := r.AddSnapshot(&model.Snapshot{
			Owner:         model.Global(),
			Kind:          model.KindCodeSystem,
			Mnemonic:      b.mnemonic,
			Version:       b.version,
			CanonicalURL:  b.url,
			Name:          b.mnemonic,
			DefaultLocale: "en",
			Active:        true,
			Released:      true,
			Latest:        true,
		})
		if err != nil {
			continue
		}
		concepts := make([]*model.Concept, 0, len(b.codes))
		for _, c := range b.codes {
			concepts = append(concepts, &model.Concept{Code: c.code, Display: c.display, DisplayLocale: "en"})
		}
		_ = r.AddConcepts(cs.ID, concepts...)

		_, _ = r.AddSnapshot(&model.Snapshot{
			Owner:         model.Global(),
			Kind:          model.KindValueSet,
			Mnemonic:      b.mnemonic,
			Version:       b.version,
			CanonicalURL:  b.valueSet,
			Name:          b.mnemonic,
			DefaultLocale: "en",
			Active:        true,
			Released:      true,
			Latest:        true,
			Compose:       []model.ComposeRule{{Kind: model.RuleInclude, System: b.url}},
		})
	}
}
