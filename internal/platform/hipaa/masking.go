package hipaa

import (
	"strings"
	"unicode"
)

// PatientRecord is the presentation shape of a patient handed to masking.
type PatientRecord struct {
	UserID                int64      `json:"user_id"`
	Name                  string     `json:"name"`
	Gender                string     `json:"gender,omitempty"`
	DOB                   string     `json:"dob,omitempty"`
	Age                   int        `json:"age,omitempty"`
	Phone                 string     `json:"phone,omitempty"`
	MedicalRecordNumber   string     `json:"medical_record_number,omitempty"`
	FinancialRecordNumber string     `json:"financial_record_number,omitempty"`
	Masked                bool       `json:"masked"`
	MaskedFields          []PHIField `json:"masked_fields,omitempty"`
}

// Viewer identifies who is looking at a record.
type Viewer struct {
	UserID int64
	Roles  []string
}

// MaskForViewer returns p unchanged for clinical staff and for the patient
// themself. Everyone else gets initials, the last four phone digits, the
// birth year and the last four characters of record numbers.
func MaskForViewer(p PatientRecord, v Viewer) PatientRecord {
	if CanViewClear(v.Roles) || (v.UserID != 0 && v.UserID == p.UserID) {
		return p
	}
	p.Name = Initials(p.Name)
	p.Phone = MaskTail(digitsOnly(p.Phone), 4)
	if len(p.DOB) >= 4 {
		p.DOB = p.DOB[:4]
	}
	p.MedicalRecordNumber = MaskTail(p.MedicalRecordNumber, 4)
	p.FinancialRecordNumber = MaskTail(p.FinancialRecordNumber, 4)
	p.Masked = true
	p.MaskedFields = DefaultPHIFields()
	return p
}

// Initials renders "Jane van Doe" as "J. V. D.".
func Initials(name string) string {
	var parts []string
	for _, w := range strings.Fields(name) {
		r := []rune(w)
		parts = append(parts, string(unicode.ToUpper(r[0]))+".")
	}
	return strings.Join(parts, " ")
}

// MaskTail replaces all but the last keep characters of s with '*'.
func MaskTail(s string, keep int) string {
	r := []rune(s)
	if len(r) == 0 {
		return ""
	}
	if len(r) <= keep {
		return strings.Repeat("*", len(r))
	}
	return strings.Repeat("*", len(r)-keep) + string(r[len(r)-keep:])
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}
