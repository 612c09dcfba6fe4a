package payload

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// prescriptionMarker identifies share links that open the prescription
// view directly instead of going through token resolution.
const prescriptionMarker = "/prescription"

// bareTokenPattern matches tokens presented without any URL or JSON
// wrapping: URL-safe base64 alphabet, at least 30 characters.
var bareTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{30,}$`)

// patientIDKeys are the field names that mark a JSON object as an inline
// legacy record.
var patientIDKeys = []string{"patient_id", "patientId", "patient"}

// Classify maps decoded symbol text to a payload variant. Precedence:
//
//  1. URL with a token query parameter on a prescription-view path, as a
//     redirect;
//  2. URL or JSON object carrying a token (or access_url), as an access
//     token;
//  3. JSON object carrying a patient identifier, as an inline legacy
//     record;
//  4. bare token-shaped string, as an access token;
//  5. anything else, as a legacy record holding the raw text.
func Classify(text string) Payload {
	text = strings.TrimSpace(text)

	if u := parseURL(text); u != nil {
		token := u.Query().Get("token")
		if token != "" && strings.Contains(u.Path, prescriptionMarker) {
			return Redirect{Token: token, URL: text}
		}
		if token != "" {
			return Token{Token: token}
		}
	}

	if obj := parseObject(text); obj != nil {
		if tok := tokenFromObject(obj); tok != "" {
			return Token{Token: tok}
		}
		if hasPatientID(obj) {
			return Legacy{Fields: flatten(obj)}
		}
	}

	if bareTokenPattern.MatchString(text) {
		return Token{Token: text}
	}

	// Fall through: unparseable input still resolves to a displayable
	// record rather than a dead end.
	return Legacy{Fields: map[string]string{"raw": text}}
}

func parseURL(s string) *url.URL {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil
	}
	return u
}

func parseObject(s string) map[string]interface{} {
	if !strings.HasPrefix(s, "{") {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil
	}
	return obj
}

// tokenFromObject extracts a token from a JSON payload, either directly or
// out of an embedded access URL.
func tokenFromObject(obj map[string]interface{}) string {
	if tok, ok := obj["token"].(string); ok && tok != "" {
		return tok
	}
	if accessURL, ok := obj["access_url"].(string); ok && accessURL != "" {
		if u := parseURL(accessURL); u != nil {
			if tok := u.Query().Get("token"); tok != "" {
				return tok
			}
		}
		return accessURL
	}
	return ""
}

func hasPatientID(obj map[string]interface{}) bool {
	for _, key := range patientIDKeys {
		if _, ok := obj[key]; ok {
			return true
		}
	}
	return false
}

// flatten renders a decoded JSON object as string fields. Scalars print
// directly; nested structures keep their JSON form.
func flatten(obj map[string]interface{}) map[string]string {
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64, bool, nil:
			out[k] = fmt.Sprint(val)
		default:
			b, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprint(val)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
