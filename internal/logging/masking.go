// Package logging provides utilities for secure logging with data masking.
package logging

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatBinaryData summarizes a non-text body for log output.
func FormatBinaryData(body []byte) string {
	return fmt.Sprintf("[binary data, %d bytes]", len(body))
}

// secretJSONFields are response/request body fields that carry token
// secrets. Issue and regenerate responses are the only places a plaintext
// secret ever appears; debug logging must not widen that.
var secretJSONFields = map[string]bool{
	"secret":       true,
	"admin_secret": true,
}

// MaskHeader redacts sensitive header values based on header name.
// Returns the redacted value suitable for logging.
//
// Rules:
// - Password/secret headers: "[REDACTED]" (no partial reveal)
// - Authorization and API key headers: "****" + last4chars
// - Other headers: returned unchanged
func MaskHeader(name, value string) string {
	lowerName := strings.ToLower(name)

	if strings.Contains(lowerName, "password") ||
		strings.Contains(lowerName, "secret") ||
		strings.Contains(lowerName, "private-key") {
		return "[REDACTED]"
	}

	if lowerName == "authorization" ||
		lowerName == "x-api-key" ||
		lowerName == "x-access-key" {
		if len(value) < 4 {
			return "****"
		}
		return "****" + value[len(value)-4:]
	}

	return value
}

// MaskJSONBody redacts secret-bearing fields in a JSON body before it is
// logged. Non-secret fields pass through unchanged; nested objects and
// arrays are processed recursively.
//
// Returns the masked JSON as bytes, or the original if parsing fails.
func MaskJSONBody(body []byte) []byte {
	if len(body) == 0 {
		return body
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return body
	}

	masked := maskJSONValue(data)

	result, err := json.Marshal(masked)
	if err != nil {
		return body
	}
	return result
}

func maskJSONValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, val := range v {
			if secretJSONFields[strings.ToLower(key)] {
				result[key] = maskString(val)
				continue
			}
			result[key] = maskJSONValue(val)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = maskJSONValue(item)
		}
		return result
	default:
		return value
	}
}

// maskString keeps the variant prefix and last four characters of a token
// secret so log lines stay correlatable without exposing the secret.
func maskString(val interface{}) interface{} {
	s, ok := val.(string)
	if !ok {
		return "[REDACTED]"
	}
	prefix := ""
	if i := strings.Index(s, "_"); i >= 0 && i <= 4 {
		prefix = s[:i+1]
	}
	if len(s) < len(prefix)+4 {
		return "****"
	}
	return prefix + "****" + s[len(s)-4:]
}
