package chat

// ToolCategory is the coarse classification surfaced to clients while the
// engine is using a tool. The set is closed; PROCESSING is the catch-all.
type ToolCategory string

const (
	// CategoryLookupPatient covers patient demographic/record searches.
	CategoryLookupPatient ToolCategory = "LOOKUP_PATIENT"
	// CategoryLookupAppointment covers appointment and schedule lookups.
	CategoryLookupAppointment ToolCategory = "LOOKUP_APPOINTMENT"
	// CategoryLookupDepartment covers department and staff lookups.
	CategoryLookupDepartment ToolCategory = "LOOKUP_DEPARTMENT"
	// CategoryLookupClinical covers clinical data: records, diagnoses,
	// labs, prescriptions.
	CategoryLookupClinical ToolCategory = "LOOKUP_CLINICAL"
	// CategoryLookupBilling covers invoices and payments.
	CategoryLookupBilling ToolCategory = "LOOKUP_BILLING"
	// CategoryProcessing is the catch-all for unmapped or unnamed tools.
	CategoryProcessing ToolCategory = "PROCESSING"
)

// toolCategories maps engine tool names to display categories. This is
// configuration, not logic: the table is deliberately enumerated in full
// and must stay in sync with the tools registered on the agent engine.
var toolCategories = map[string]ToolCategory{
	"search_patients":         CategoryLookupPatient,
	"get_patient_details":     CategoryLookupPatient,
	"search_appointments":     CategoryLookupAppointment,
	"get_appointment_details": CategoryLookupAppointment,
	"get_doctor_schedule":     CategoryLookupAppointment,
	"list_departments":        CategoryLookupDepartment,
	"search_doctors":          CategoryLookupDepartment,
	"get_medical_records":     CategoryLookupClinical,
	"search_diagnoses":        CategoryLookupClinical,
	"get_lab_results":         CategoryLookupClinical,
	"get_prescriptions":       CategoryLookupClinical,
	"get_invoices":            CategoryLookupBilling,
	"search_payments":         CategoryLookupBilling,
}

// categorizeTool classifies a tool name, falling back to PROCESSING for
// unknown or empty names.
func categorizeTool(name string) ToolCategory {
	if category, ok := toolCategories[name]; ok {
		return category
	}
	return CategoryProcessing
}
