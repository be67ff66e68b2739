package standardize

import (
	"strings"
	"unicode"

	"github.com/smartscope/backend/internal/llm"
	"github.com/smartscope/backend/internal/storage/models"
)

// MatchThreshold is the minimum Dice coefficient between token sets for an
// item to map onto a vocabulary term.
const MatchThreshold = 0.5

var extraScopeTerms = map[models.Category][]string{
	models.CategoryPlumbing: {
		"Replace P-trap", "Repair leaking pipe", "Replace faucet", "Clear drain blockage",
		"Replace toilet wax ring", "Replace water heater", "Replace supply lines", "Repair water damage",
	},
	models.CategoryElectrical: {
		"Replace outlet", "Replace light switch", "Replace light fixture", "Replace circuit breaker",
		"Install GFCI outlet", "Repair damaged wiring", "Upgrade electrical panel",
	},
	models.CategoryHVAC: {
		"Replace air filter", "Recharge refrigerant", "Clean condenser coils", "Replace thermostat",
		"Repair ductwork", "Replace blower motor", "Service furnace",
	},
	models.CategoryRoofing: {
		"Replace damaged shingles", "Repair roof leak", "Replace flashing", "Clean gutters",
		"Repair roof decking", "Reseal roof penetrations",
	},
	models.CategoryFlooring: {
		"Replace damaged tiles", "Refinish hardwood floor", "Replace carpet", "Repair subfloor",
		"Install vinyl plank flooring", "Regrout tile floor",
	},
	models.CategoryAppliances: {
		"Repair dishwasher", "Replace refrigerator", "Repair washing machine", "Replace dryer vent",
		"Repair oven", "Replace garbage disposal",
	},
	models.CategoryGeneralMaintenance: {
		"Patch and paint drywall", "Repair door", "Replace window", "Caulk and seal gaps",
		"Pressure wash exterior", "Repair fence",
	},
}

var materialTerms = map[models.Category][]string{
	models.CategoryPlumbing: {
		"PVC pipe", "P-trap", "Pipe fittings", "Plumber's tape", "Pipe sealant", "Supply line",
		"Shut-off valve", "Wax ring", "Faucet", "Water heater",
	},
	models.CategoryElectrical: {
		"Electrical wire", "Outlet", "GFCI outlet", "Light switch", "Circuit breaker", "Wire nuts",
		"Junction box", "Conduit", "Light fixture",
	},
	models.CategoryHVAC: {
		"Air filter", "Refrigerant", "Thermostat", "Duct tape", "Flex duct", "Capacitor", "Blower motor",
	},
	models.CategoryRoofing: {
		"Asphalt shingles", "Roofing nails", "Flashing", "Roofing underlayment", "Roof sealant",
		"Plywood decking", "Gutter",
	},
	models.CategoryFlooring: {
		"Ceramic tile", "Grout", "Tile adhesive", "Hardwood flooring", "Vinyl plank", "Carpet",
		"Carpet padding", "Underlayment", "Floor finish",
	},
	models.CategoryAppliances: {
		"Replacement part", "Water inlet valve", "Heating element", "Door gasket", "Dryer vent",
		"Drain hose", "Control board",
	},
	models.CategoryGeneralMaintenance: {
		"Drywall", "Joint compound", "Paint", "Primer", "Caulk", "Wood filler", "Screws", "Hinges",
	},
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "of": true, "to": true, "for": true,
	"in": true, "on": true, "at": true, "with": true, "if": true, "needed": true, "as": true,
	"per": true, "or": true, "all": true, "any": true, "area": true,
}

type term struct {
	canonical string
	tokens    map[string]bool
}

// Vocabulary holds the controlled terms free-text items are mapped onto.
type Vocabulary struct {
	scope     map[models.Category][]term
	materials map[models.Category][]term
}

// DefaultVocabulary combines the recommended workflow steps with common
// task and material names per category.
func DefaultVocabulary() *Vocabulary {
	v := &Vocabulary{
		scope:     make(map[models.Category][]term),
		materials: make(map[models.Category][]term),
	}
	for _, c := range models.Categories {
		for _, s := range llm.ScopeTemplates[c] {
			v.AddScopeTerm(c, s)
		}
		for _, s := range extraScopeTerms[c] {
			v.AddScopeTerm(c, s)
		}
		for _, s := range materialTerms[c] {
			v.AddMaterialTerm(c, s)
		}
	}
	return v
}

func (v *Vocabulary) AddScopeTerm(c models.Category, canonical string) {
	v.scope[c] = append(v.scope[c], term{canonical: canonical, tokens: tokenSet(canonical)})
}

func (v *Vocabulary) AddMaterialTerm(c models.Category, canonical string) {
	v.materials[c] = append(v.materials[c], term{canonical: canonical, tokens: tokenSet(canonical)})
}

// MatchScope returns the canonical scope term for item, if any.
func (v *Vocabulary) MatchScope(c models.Category, item string) (string, bool) {
	return bestMatch(v.scope[c], item)
}

func (v *Vocabulary) MatchMaterial(c models.Category, item string) (string, bool) {
	return bestMatch(v.materials[c], item)
}

func bestMatch(terms []term, item string) (string, bool) {
	tokens := tokenSet(item)
	if len(tokens) == 0 {
		return "", false
	}
	best, bestScore := "", 0.0
	for _, t := range terms {
		if score := dice(tokens, t.tokens); score > bestScore {
			best, bestScore = t.canonical, score
		}
	}
	return best, bestScore >= MatchThreshold
}

func dice(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for tok := range a {
		if b[tok] {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(a)+len(b))
}

func tokenSet(s string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		if !stopwords[w] {
			set[stem(w)] = true
		}
	}
	return set
}

// stem folds common English inflections so "leaking" meets "leak" and
// "replaced" meets "replace".
func stem(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		w = w[:len(w)-3] + "y"
	case len(w) > 5 && strings.HasSuffix(w, "ing"):
		w = w[:len(w)-3]
	case len(w) > 4 && strings.HasSuffix(w, "ed"):
		w = w[:len(w)-2]
	case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		w = w[:len(w)-1]
	}
	if len(w) > 3 {
		w = strings.TrimSuffix(w, "e")
	}
	return w
}
