package hipaa

// PHIField names a patient attribute covered by presentation masking.
type PHIField string

const (
	FieldName                  PHIField = "name"
	FieldPhone                 PHIField = "phone"
	FieldDOB                   PHIField = "dob"
	FieldMedicalRecordNumber   PHIField = "medical_record_number"
	FieldFinancialRecordNumber PHIField = "financial_record_number"
)

// DefaultPHIFields returns the patient attributes masked for viewers outside
// direct care. Gender and age are not identifying on their own and stay
// visible.
func DefaultPHIFields() []PHIField {
	return []PHIField{
		FieldName,
		FieldPhone,
		FieldDOB,
		FieldMedicalRecordNumber,
		FieldFinancialRecordNumber,
	}
}

// clearViewers are role types that see patient records unmasked.
var clearViewers = map[string]bool{
	"doctor": true,
	"nurse":  true,
	"admin":  true,
	"super":  true,
}

// CanViewClear reports whether any of roles sees patient PHI unmasked.
func CanViewClear(roles []string) bool {
	for _, r := range roles {
		if clearViewers[r] {
			return true
		}
	}
	return false
}
