package hipaa

import (
	"reflect"
	"testing"
)

func samplePatient() PatientRecord {
	return PatientRecord{
		UserID:              9,
		Name:                "jane van doe",
		Gender:              "F",
		DOB:                 "1990-01-01",
		Age:                 34,
		Phone:               "+1 (555) 010-4321",
		MedicalRecordNumber: "MRN-0042817",
	}
}

func TestMaskForViewer_ClinicalStaffSeeEverything(t *testing.T) {
	p := samplePatient()
	got := MaskForViewer(p, Viewer{UserID: 2, Roles: []string{"doctor"}})
	if !reflect.DeepEqual(got, p) {
		t.Errorf("expected unmasked record, got %+v", got)
	}
}

func TestMaskForViewer_PatientSeesOwnRecord(t *testing.T) {
	p := samplePatient()
	got := MaskForViewer(p, Viewer{UserID: 9, Roles: []string{"patient"}})
	if got.Masked {
		t.Error("a patient must see their own record")
	}
}

func TestMaskForViewer_TechnicianSeesMasked(t *testing.T) {
	got := MaskForViewer(samplePatient(), Viewer{UserID: 3, Roles: []string{"technician"}})
	if !got.Masked {
		t.Fatal("expected masked record")
	}
	if got.Name != "J. V. D." {
		t.Errorf("unexpected initials %q", got.Name)
	}
	if got.Phone != "*******4321" {
		t.Errorf("unexpected phone %q", got.Phone)
	}
	if got.DOB != "1990" {
		t.Errorf("expected birth year, got %q", got.DOB)
	}
	if len(got.MaskedFields) != len(DefaultPHIFields()) {
		t.Errorf("masked fields = %v", got.MaskedFields)
	}
	if got.MedicalRecordNumber != "*******2817" {
		t.Errorf("unexpected MRN %q", got.MedicalRecordNumber)
	}
	if got.Age != 34 || got.Gender != "F" {
		t.Error("age and gender stay visible")
	}
}

func TestMaskTail(t *testing.T) {
	tests := []struct {
		in   string
		keep int
		want string
	}{
		{"", 4, ""},
		{"123", 4, "***"},
		{"1234", 4, "****"},
		{"12345", 4, "*2345"},
	}
	for _, tt := range tests {
		if got := MaskTail(tt.in, tt.keep); got != tt.want {
			t.Errorf("MaskTail(%q, %d) = %q, want %q", tt.in, tt.keep, got, tt.want)
		}
	}
}
