package payload

import (
	"reflect"
	"strings"
	"testing"
)

const longToken = "abcDEF123_-abcDEF123_-abcDEF123_-abcDEF1" // 40 chars

func TestClassifyPrecedence(t *testing.T) {
	cases := []struct {
		name string
		text string
		want Payload
	}{
		{
			name: "prescription redirect wins over plain token",
			text: "https://app.example.com/prescription/view?token=XYZ",
			want: Redirect{Token: "XYZ", URL: "https://app.example.com/prescription/view?token=XYZ"},
		},
		{
			name: "share url with token",
			text: "https://app.example.com/share/view?token=" + longToken,
			want: Token{Token: longToken},
		},
		{
			name: "json with token field",
			text: `{"token":"` + longToken + `"}`,
			want: Token{Token: longToken},
		},
		{
			name: "json with access_url carrying token",
			text: `{"access_url":"https://app.example.com/share/view?token=` + longToken + `"}`,
			want: Token{Token: longToken},
		},
		{
			name: "json token beats patient id in same object",
			text: `{"token":"` + longToken + `","patient_id":"p1"}`,
			want: Token{Token: longToken},
		},
		{
			name: "legacy inline record",
			text: `{"patient_id":"p1","name":"Ada","blood_type":"O+"}`,
			want: Legacy{Fields: map[string]string{"patient_id": "p1", "name": "Ada", "blood_type": "O+"}},
		},
		{
			name: "bare token",
			text: longToken,
			want: Token{Token: longToken},
		},
		{
			name: "short bare token falls through",
			text: "abc123",
			want: Legacy{Fields: map[string]string{"raw": "abc123"}},
		},
		{
			name: "token with illegal characters falls through",
			text: longToken + "!!",
			want: Legacy{Fields: map[string]string{"raw": longToken + "!!"}},
		},
		{
			name: "free text falls through to legacy",
			text: "hello world",
			want: Legacy{Fields: map[string]string{"raw": "hello world"}},
		},
		{
			name: "malformed json falls through to legacy",
			text: `{"patient_id": unquoted}`,
			want: Legacy{Fields: map[string]string{"raw": `{"patient_id": unquoted}`}},
		},
		{
			name: "url without token is not a token payload",
			text: "https://example.com/about",
			want: Legacy{Fields: map[string]string{"raw": "https://example.com/about"}},
		},
		{
			name: "non-http scheme ignored as url",
			text: "ftp://example.com/x?token=" + longToken,
			want: Legacy{Fields: map[string]string{"raw": "ftp://example.com/x?token=" + longToken}},
		},
		{
			name: "whitespace trimmed before matching",
			text: "  " + longToken + "\n",
			want: Token{Token: longToken},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.text)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Classify(%q) = %#v, want %#v", tc.text, got, tc.want)
			}
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	inputs := []string{
		"https://app.example.com/prescription/view?token=XYZ",
		longToken,
		`{"patient_id":"p1"}`,
		"garbage input",
	}
	for _, in := range inputs {
		first := Classify(in)
		for i := 0; i < 10; i++ {
			if got := Classify(in); !reflect.DeepEqual(got, first) {
				t.Fatalf("Classify(%q) unstable on call %d", in, i)
			}
		}
	}
}

func TestClassifyNeverReturnsUnrecognized(t *testing.T) {
	// The unrecognized variant is part of the closed set but unreachable
	// from Classify: all non-matching input becomes a legacy record.
	inputs := []string{
		"", " ", "\x00\x01\x02",
		strings.Repeat("!", 100),
		"{}", "[]", "null",
		"://bad-url", "https://",
	}
	for _, in := range inputs {
		if got := Classify(in); got.Kind() == KindUnrecognized {
			t.Fatalf("Classify(%q) produced unrecognized", in)
		}
	}
}

func TestClassifyFlattensNestedJSON(t *testing.T) {
	got := Classify(`{"patient_id":"p1","vitals":{"hr":72},"age":7,"active":true}`)
	legacy, ok := got.(Legacy)
	if !ok {
		t.Fatalf("got %#v", got)
	}
	if legacy.Fields["vitals"] != `{"hr":72}` {
		t.Errorf("nested object field = %q", legacy.Fields["vitals"])
	}
	if legacy.Fields["age"] != "7" {
		t.Errorf("numeric field = %q", legacy.Fields["age"])
	}
	if legacy.Fields["active"] != "true" {
		t.Errorf("bool field = %q", legacy.Fields["active"])
	}
}
