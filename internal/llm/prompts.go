package llm

import (
	"fmt"
	"strings"

	"github.com/smartscope/backend/internal/storage/models"
)

const scopeSystemPrompt = `You are SmartScope AI, an assistant that analyses property maintenance photos for a marketplace
connecting property managers with contractors. Provide detailed, standardised scopes of work
that help contractors submit accurate bids.

Your analysis should be specific and actionable for contractors, based only on what is visible
in the photos, realistic about time and material estimates, and safety-conscious.
State uncertainties and assumptions explicitly.

Respond with a single JSON object and nothing else.`

const quoteSystemPrompt = `You are SmartScope AI, an assistant that reads contractor price quotes for property
maintenance work and extracts their terms into a standard structure so that several quotes for
the same job can be compared line by line.

Only report values that appear in the quote. Use null for anything the quote does not state.

Respond with a single JSON object and nothing else.`

const scopeSchema = `{
  "primary_issue": string,
  "severity": "Emergency" | "High" | "Medium" | "Low",
  "scope_items": [
    {"title": string, "description": string, "trade": string, "materials": [string], "safety_notes": [string], "estimated_hours": number}
  ],
  "materials": [{"name": string, "quantity": string, "specifications": string}],
  "estimated_hours": number,
  "safety_notes": string,
  "additional_observations": [string],
  "field_confidence": {"<field name>": number between 0 and 1},
  "confidence": number between 0 and 1
}`

const quoteSchema = `{
  "total_amount": number,
  "labor_cost": number | null,
  "materials_cost": number | null,
  "timeline_days": number | null,
  "start_date": "YYYY-MM-DD" | null,
  "completion_date": "YYYY-MM-DD" | null,
  "warranty_months": number | null,
  "inclusions": [string],
  "exclusions": [string],
  "payment_terms": string | null,
  "contact_email": string | null,
  "contact_phone": string | null,
  "field_confidence": {"<field name>": number between 0 and 1},
  "confidence": number between 0 and 1
}`

// CategoryGuidance is the per-category inspection checklist added to scope
// prompts.
var CategoryGuidance = map[models.Category]string{
	models.CategoryPlumbing: `For plumbing issues:
- Identify the specific plumbing system affected (supply, drainage, fixtures)
- Note water damage risks and containment needs
- Assess urgency based on water flow and damage potential
- Consider code compliance requirements for repairs
- Evaluate access challenges (walls, crawl spaces, etc.)`,
	models.CategoryElectrical: `For electrical issues:
- Prioritise safety and note any exposed wiring or electrical hazards
- Identify circuit types and amperage requirements
- Note compliance needs with local electrical codes
- Consider permit requirements for significant work
- Assess panel capacity for new circuits or upgrades`,
	models.CategoryHVAC: `For HVAC systems:
- Identify system type (central air, heat pump, boiler, etc.)
- Note seasonal urgency and tenant comfort impact
- Assess filter access and replacement schedules
- Consider energy efficiency opportunities
- Evaluate ductwork access and condition`,
	models.CategoryRoofing: `For roofing issues:
- Assess weather exposure and urgency
- Note structural integrity and safety concerns
- Identify roofing material type and age
- Consider access challenges and safety equipment needs
- Evaluate drainage and guttering systems`,
	models.CategoryFlooring: `For flooring issues:
- Identify flooring material and subfloor condition
- Note safety hazards (trip risks, loose materials)
- Assess moisture damage and mold risks
- Consider tenant disruption during repairs
- Evaluate matching materials for partial replacements`,
	models.CategoryAppliances: `For appliance issues:
- Identify make, model, and age of appliance
- Note safety concerns (gas leaks, electrical hazards)
- Assess repair vs replacement cost-effectiveness
- Consider warranty status and service availability
- Evaluate installation requirements and permits`,
	models.CategoryGeneralMaintenance: `For general maintenance:
- Assess overall property condition and safety
- Note any code violations or compliance issues
- Consider preventive maintenance opportunities
- Evaluate tenant impact and scheduling needs
- Identify related systems that may need attention`,
}

// ScopeTemplates is the recommended workflow per category. It also seeds the
// scope vocabulary.
var ScopeTemplates = map[models.Category][]string{
	models.CategoryPlumbing: {
		"Shut off water supply to affected area",
		"Assess extent of water damage",
		"Remove and replace damaged components",
		"Test system for leaks and proper operation",
		"Restore water service and clean up work area",
	},
	models.CategoryElectrical: {
		"Turn off power at circuit breaker",
		"Test circuits and identify issues",
		"Replace or repair electrical components",
		"Install new wiring per code requirements",
		"Test system and restore power",
	},
	models.CategoryHVAC: {
		"Diagnose system operation and performance",
		"Replace filters and clean components",
		"Repair or replace faulty parts",
		"Test system operation and airflow",
		"Schedule regular maintenance follow-up",
	},
	models.CategoryRoofing: {
		"Inspect roof structure and materials",
		"Remove damaged roofing materials",
		"Install new roofing and flashing",
		"Seal and weatherproof installation",
		"Clean up debris and test drainage",
	},
	models.CategoryFlooring: {
		"Remove damaged flooring materials",
		"Inspect and repair subfloor if needed",
		"Install new flooring materials",
		"Trim and finish installation",
		"Clean and protect new flooring",
	},
	models.CategoryAppliances: {
		"Disconnect and remove old appliance",
		"Prepare installation area",
		"Install new appliance and connections",
		"Test operation and safety features",
		"Provide warranty and maintenance information",
	},
	models.CategoryGeneralMaintenance: {
		"Assess overall condition and safety",
		"Complete necessary repairs and improvements",
		"Test all affected systems",
		"Clean and restore work areas",
		"Document completed work and recommendations",
	},
}

func guidanceFor(c models.Category) string {
	if g, ok := CategoryGuidance[c]; ok {
		return g
	}
	return CategoryGuidance[models.CategoryGeneralMaintenance]
}

func systemPrompt(kind models.ResultKind) string {
	if kind == models.KindQuote {
		return quoteSystemPrompt
	}
	return scopeSystemPrompt
}

func buildUserPrompt(req AnalyzeRequest) string {
	var b strings.Builder
	if req.Kind == models.KindQuote {
		b.WriteString("Extract the terms of the following contractor quote.\n")
		fmt.Fprintf(&b, "Category: %s\n", req.Category)
		if req.Context != "" {
			fmt.Fprintf(&b, "Project context: %s\n", req.Context)
		}
		if len(req.Images) > 0 {
			fmt.Fprintf(&b, "%d page image(s) of the quote are attached.\n", len(req.Images))
		}
		if req.Text != "" {
			fmt.Fprintf(&b, "Quote text:\n---\n%s\n---\n", req.Text)
		}
		fmt.Fprintf(&b, "Respond with JSON using this schema:\n%s\n", quoteSchema)
		return b.String()
	}

	b.WriteString("Analyze the following maintenance issue photos.\n")
	fmt.Fprintf(&b, "Category: %s\n", req.Category)
	if req.Context != "" {
		fmt.Fprintf(&b, "Reported issue: %s\n", req.Context)
	}
	scores := make([]string, len(req.Images))
	for i, img := range req.Images {
		scores[i] = fmt.Sprintf("%.2f", img.Quality)
	}
	fmt.Fprintf(&b, "Image quality scores: [%s]\n", strings.Join(scores, ", "))
	b.WriteString(guidanceFor(req.Category))
	fmt.Fprintf(&b, "\nRespond with JSON using this schema:\n%s\n", scopeSchema)
	b.WriteString("Recommended workflow outline:\n")
	for _, step := range ScopeTemplates[req.Category] {
		fmt.Fprintf(&b, "- %s\n", step)
	}
	b.WriteString("Ensure numbers are realistic and cite uncertainties.")
	return b.String()
}
