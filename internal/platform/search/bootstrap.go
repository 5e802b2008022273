package search

// DefaultCatalog builds the SearchParameter catalog the server starts with,
// covering the resource types fhirmodel's builtin schema set describes plus
// the common parameters every resource type supports. Grounded on the
// teacher's CapabilityBuilder.AddResource call list in cmd/ehr-server/main.go,
// which enumerates exactly this resource/search-parameter surface for its
// dynamic CapabilityStatement.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	for _, p := range commonParameters() {
		c.Register(p)
	}
	for _, p := range resourceParameters() {
		c.Register(p)
	}
	return c
}

// commonParameters apply across every resource type (ResourceType "").
func commonParameters() []*Parameter {
	return []*Parameter{
		{Name: "_id", Type: TypeToken, Expression: "id"},
		{Name: "_lastUpdated", Type: TypeDate, Expression: "meta.lastUpdated"},
	}
}

func resourceParameters() []*Parameter {
	return []*Parameter{
		// Patient
		{Name: "name", Type: TypeString, Expression: "name", ResourceType: "Patient"},
		{Name: "family", Type: TypeString, Expression: "name.family", ResourceType: "Patient"},
		{Name: "given", Type: TypeString, Expression: "name.given", ResourceType: "Patient"},
		{Name: "birthdate", Type: TypeDate, Expression: "birthDate", ResourceType: "Patient"},
		{Name: "gender", Type: TypeToken, Expression: "gender", ResourceType: "Patient"},
		{Name: "identifier", Type: TypeToken, Expression: "identifier", ResourceType: "Patient"},
		{Name: "general-practitioner", Type: TypeReference, Expression: "generalPractitioner", ResourceType: "Patient"},
		{Name: "organization", Type: TypeReference, Expression: "managingOrganization", ResourceType: "Patient"},

		// Practitioner
		{Name: "name", Type: TypeString, Expression: "name", ResourceType: "Practitioner"},
		{Name: "family", Type: TypeString, Expression: "name.family", ResourceType: "Practitioner"},
		{Name: "identifier", Type: TypeToken, Expression: "identifier", ResourceType: "Practitioner"},
		{Name: "active", Type: TypeToken, Expression: "active", ResourceType: "Practitioner"},

		// Organization
		{Name: "name", Type: TypeString, Expression: "name", ResourceType: "Organization"},
		{Name: "active", Type: TypeToken, Expression: "active", ResourceType: "Organization"},
		{Name: "identifier", Type: TypeToken, Expression: "identifier", ResourceType: "Organization"},

		// Encounter
		{Name: "patient", Type: TypeReference, Expression: "subject", ResourceType: "Encounter"},
		{Name: "subject", Type: TypeReference, Expression: "subject", ResourceType: "Encounter"},
		{Name: "status", Type: TypeToken, Expression: "status", ResourceType: "Encounter"},
		{Name: "class", Type: TypeToken, Expression: "class", ResourceType: "Encounter"},
		{Name: "date", Type: TypeDate, Expression: "period", ResourceType: "Encounter"},
		{Name: "identifier", Type: TypeToken, Expression: "identifier", ResourceType: "Encounter"},

		// Condition
		{Name: "patient", Type: TypeReference, Expression: "subject", ResourceType: "Condition"},
		{Name: "subject", Type: TypeReference, Expression: "subject", ResourceType: "Condition"},
		{Name: "encounter", Type: TypeReference, Expression: "encounter", ResourceType: "Condition"},
		{Name: "clinical-status", Type: TypeToken, Expression: "clinicalStatus", ResourceType: "Condition"},
		{Name: "verification-status", Type: TypeToken, Expression: "verificationStatus", ResourceType: "Condition"},
		{Name: "category", Type: TypeToken, Expression: "category", ResourceType: "Condition"},
		{Name: "code", Type: TypeToken, Expression: "code", ResourceType: "Condition"},
		{Name: "onset-date", Type: TypeDate, Expression: "onsetDateTime", ResourceType: "Condition"},

		// Observation
		{Name: "patient", Type: TypeReference, Expression: "subject", ResourceType: "Observation"},
		{Name: "subject", Type: TypeReference, Expression: "subject", ResourceType: "Observation"},
		{Name: "encounter", Type: TypeReference, Expression: "encounter", ResourceType: "Observation"},
		{Name: "category", Type: TypeToken, Expression: "category", ResourceType: "Observation"},
		{Name: "code", Type: TypeToken, Expression: "code", ResourceType: "Observation"},
		{Name: "status", Type: TypeToken, Expression: "status", ResourceType: "Observation"},
		{Name: "date", Type: TypeDate, Expression: "issued", ResourceType: "Observation"},
		{Name: "identifier", Type: TypeToken, Expression: "identifier", ResourceType: "Observation"},
		{Name: "value-quantity", Type: TypeQuantity, Expression: "valueQuantity", ResourceType: "Observation"},

		// AllergyIntolerance
		{Name: "patient", Type: TypeReference, Expression: "patient", ResourceType: "AllergyIntolerance"},
		{Name: "clinical-status", Type: TypeToken, Expression: "clinicalStatus", ResourceType: "AllergyIntolerance"},
		{Name: "code", Type: TypeToken, Expression: "code", ResourceType: "AllergyIntolerance"},

		// MedicationRequest
		{Name: "patient", Type: TypeReference, Expression: "subject", ResourceType: "MedicationRequest"},
		{Name: "subject", Type: TypeReference, Expression: "subject", ResourceType: "MedicationRequest"},
		{Name: "status", Type: TypeToken, Expression: "status", ResourceType: "MedicationRequest"},
		{Name: "intent", Type: TypeToken, Expression: "intent", ResourceType: "MedicationRequest"},
		{Name: "identifier", Type: TypeToken, Expression: "identifier", ResourceType: "MedicationRequest"},

		// Procedure
		{Name: "patient", Type: TypeReference, Expression: "subject", ResourceType: "Procedure"},
		{Name: "subject", Type: TypeReference, Expression: "subject", ResourceType: "Procedure"},
		{Name: "status", Type: TypeToken, Expression: "status", ResourceType: "Procedure"},
		{Name: "code", Type: TypeToken, Expression: "code", ResourceType: "Procedure"},

		// DiagnosticReport
		{Name: "patient", Type: TypeReference, Expression: "subject", ResourceType: "DiagnosticReport"},
		{Name: "subject", Type: TypeReference, Expression: "subject", ResourceType: "DiagnosticReport"},
		{Name: "status", Type: TypeToken, Expression: "status", ResourceType: "DiagnosticReport"},
		{Name: "code", Type: TypeToken, Expression: "code", ResourceType: "DiagnosticReport"},
	}
}
