package httpserver

import "testing"

type launchParams struct {
	ImageID      string `validate:"required"`
	MaxCount     int    `validate:"gte=1,lte=1000"`
	InstanceType string `validate:"omitempty,oneof=m1.tiny m1.small m1.medium m1.large m1.xlarge"`
}

func TestValidateOK(t *testing.T) {
	errs := Validate(launchParams{ImageID: "ami-1", MaxCount: 1, InstanceType: "m1.small"})
	if len(errs) != 0 {
		t.Errorf("Validate() = %+v, want no errors", errs)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	errs := Validate(launchParams{MaxCount: 1})
	if len(errs) != 1 || errs[0].Field != "ImageID" {
		t.Errorf("Validate() = %+v, want one ImageID error", errs)
	}
}

func TestValidateRange(t *testing.T) {
	errs := Validate(launchParams{ImageID: "ami-1", MaxCount: 0})
	if len(errs) != 1 {
		t.Fatalf("Validate() = %+v, want one error", errs)
	}
	if errs[0].Message != "must be greater than or equal to 1" {
		t.Errorf("message = %q", errs[0].Message)
	}
}

func TestValidateOneOf(t *testing.T) {
	errs := Validate(launchParams{ImageID: "ami-1", MaxCount: 1, InstanceType: "m9.colossal"})
	if len(errs) != 1 || errs[0].Field != "InstanceType" {
		t.Errorf("Validate() = %+v, want one InstanceType error", errs)
	}
}
