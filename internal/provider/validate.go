package provider

import (
	"encoding/json"
	"fmt"

	"tourbot/internal/domain"
)

// rawQAResponse defers decoding of every field so a malformed backend
// payload degrades one field at a time instead of failing the whole answer.
type rawQAResponse struct {
	ResponseText        json.RawMessage `json:"response_text"`
	Citations           json.RawMessage `json:"citations"`
	Images              json.RawMessage `json:"images"`
	ShouldIncludeImages json.RawMessage `json:"should_include_images"`
	Error               json.RawMessage `json:"error"`
}

// normalizeResponse coerces the backend payload into a well-typed QAResult.
// Every coercion of a malformed field appends to Anomalies so the oddity is
// visible in logs while the user still gets an answer.
func normalizeResponse(body []byte) (QAResult, error) {
	var raw rawQAResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return QAResult{}, fmt.Errorf("response is not a JSON object: %w", err)
	}

	var result QAResult

	result.ResponseText = normalizeString(raw.ResponseText, "response_text", &result.Anomalies)
	result.Error = normalizeString(raw.Error, "error", &result.Anomalies)
	result.Citations = normalizeCitations(raw.Citations, &result.Anomalies)
	result.Images = normalizeImages(raw.Images, &result.Anomalies)

	if len(raw.ShouldIncludeImages) > 0 {
		var b bool
		if err := json.Unmarshal(raw.ShouldIncludeImages, &b); err != nil {
			result.Anomalies = append(result.Anomalies,
				"should_include_images is not a boolean, defaulting to false")
		} else {
			result.ShouldIncludeImages = b
		}
	}

	return result, nil
}

// normalizeString accepts a JSON string as-is; any other non-null value is
// kept as its JSON text so nothing the backend said is dropped.
func normalizeString(raw json.RawMessage, field string, anomalies *[]string) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	*anomalies = append(*anomalies, field+" is not a string, stringified")
	return string(raw)
}

func normalizeCitations(raw json.RawMessage, anomalies *[]string) []domain.Citation {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		*anomalies = append(*anomalies, "citations is not a list, dropped")
		return nil
	}

	out := make([]domain.Citation, 0, len(entries))
	for i, entry := range entries {
		var obj struct {
			Title  json.RawMessage `json:"title"`
			Source json.RawMessage `json:"source"`
		}
		if err := json.Unmarshal(entry, &obj); err != nil {
			*anomalies = append(*anomalies, fmt.Sprintf("citations[%d] is not an object, skipped", i))
			continue
		}
		out = append(out, domain.Citation{
			Title:  normalizeString(obj.Title, fmt.Sprintf("citations[%d].title", i), anomalies),
			Source: normalizeString(obj.Source, fmt.Sprintf("citations[%d].source", i), anomalies),
		})
	}
	return out
}

func normalizeImages(raw json.RawMessage, anomalies *[]string) []domain.Image {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		*anomalies = append(*anomalies, "images is not a list, dropped")
		return nil
	}

	out := make([]domain.Image, 0, len(entries))
	for i, entry := range entries {
		var obj struct {
			URI     json.RawMessage `json:"uri"`
			Caption json.RawMessage `json:"caption"`
		}
		if err := json.Unmarshal(entry, &obj); err != nil {
			*anomalies = append(*anomalies, fmt.Sprintf("images[%d] is not an object, skipped", i))
			continue
		}

		uri := ""
		if len(obj.URI) > 0 && string(obj.URI) != "null" {
			if err := json.Unmarshal(obj.URI, &uri); err != nil {
				*anomalies = append(*anomalies, fmt.Sprintf("images[%d].uri is not a string, skipped", i))
				continue
			}
		}
		if uri == "" {
			*anomalies = append(*anomalies, fmt.Sprintf("images[%d] has no uri, skipped", i))
			continue
		}

		caption := ""
		if len(obj.Caption) > 0 && string(obj.Caption) != "null" {
			if err := json.Unmarshal(obj.Caption, &caption); err != nil {
				*anomalies = append(*anomalies, fmt.Sprintf("images[%d].caption is not a string, blanked", i))
				caption = ""
			}
		}

		out = append(out, domain.Image{URI: uri, Caption: caption})
	}
	return out
}
