package validation

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

type sample struct {
	NationalID string  `json:"national_id" validate:"required,national_id"`
	Username   string  `json:"username" validate:"required,username"`
	Phone      *string `json:"phone" validate:"omitempty,gsm"`
	IMEI       string  `json:"imei" validate:"omitempty,digits15"`
	Email      string  `json:"email" validate:"required,email"`
}

func TestStruct_ReportsJSONFieldNames(t *testing.T) {
	bad := "12ab"
	details := Struct(sample{
		NationalID: "123",
		Username:   "a b",
		Phone:      &bad,
		IMEI:       "1234",
		Email:      "nope",
	})

	for _, field := range []string{"national_id", "username", "phone", "imei", "email"} {
		if len(details[field]) == 0 {
			t.Errorf("expected an error for %s, got %v", field, details)
		}
	}
}

func TestStruct_Valid(t *testing.T) {
	phone := "+905551112233"
	details := Struct(sample{
		NationalID: "12345678901",
		Username:   "ayse.yilmaz",
		Phone:      &phone,
		IMEI:       "356938035643809",
		Email:      "ayse@example.com",
	})
	if details != nil {
		t.Fatalf("expected no errors, got %v", details)
	}
}

// Property: only strings of exactly 11 ASCII digits are national IDs
func TestProperty_NationalID(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringMatching(`[0-9a-z]{0,14}`).Draw(t, "s")
		want := len(s) == 11 && strings.Trim(s, "0123456789") == ""
		if IsNationalID(s) != want {
			t.Fatalf("IsNationalID(%q) = %v, want %v", s, !want, want)
		}
	})
}

func TestNormalizeGSM(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"05551112233", "+905551112233"},
		{"5551112233", "+905551112233"},
		{"+905551112233", "+905551112233"},
		{"+441234567890", "+441234567890"},
		{" 05551112233 ", "+905551112233"},
	}
	for _, tt := range tests {
		if got := NormalizeGSM(tt.in); got != tt.want {
			t.Errorf("NormalizeGSM(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// Property: normalized numbers always start with + and keep their trailing digits
func TestProperty_NormalizeGSM(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		gsm := rapid.StringMatching(`\+?[0-9]{10,15}`).Draw(t, "gsm")
		got := NormalizeGSM(gsm)
		if !strings.HasPrefix(got, "+") {
			t.Fatalf("NormalizeGSM(%q) = %q lacks +", gsm, got)
		}
		if NormalizeGSM(got) != got {
			t.Fatalf("NormalizeGSM is not idempotent for %q", gsm)
		}
		tail := strings.TrimPrefix(strings.TrimPrefix(gsm, "+"), "0")
		if !strings.HasSuffix(got, tail) {
			t.Fatalf("NormalizeGSM(%q) = %q dropped digits", gsm, got)
		}
	})
}

func TestMerge(t *testing.T) {
	got := Merge(nil, map[string][]string{"a": {"x"}})
	got = Merge(got, map[string][]string{"a": {"y"}, "b": {"z"}})
	if len(got["a"]) != 2 || len(got["b"]) != 1 {
		t.Fatalf("unexpected merge result %v", got)
	}
}
