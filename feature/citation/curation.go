package citation

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// curatableFields are the json names of Metadata.
var curatableFields = metadataFields()

func metadataFields() map[string]struct{} {
	out := make(map[string]struct{})
	typ := reflect.TypeOf(Metadata{})
	for i := 0; i < typ.NumField(); i++ {
		name, _, _ := strings.Cut(typ.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			out[name] = struct{}{}
		}
	}
	return out
}

// CurationEntry is one operator override.
type CurationEntry struct {
	Content string                 `json:"content"`
	Fields  map[string]interface{} `json:"fields"`
}

// splitCuration separates fields with known keys from unknown keys.
func splitCuration(fields map[string]interface{}) (map[string]interface{}, []string) {
	known := make(map[string]interface{}, len(fields))
	var unknown []string
	for k, v := range fields {
		if _, ok := curatableFields[k]; ok {
			known[k] = v
			continue
		}
		unknown = append(unknown, k)
	}
	sort.Strings(unknown)
	return known, unknown
}

// overlay applies curated fields over base. A value of the wrong type for its
// field fails the whole overlay.
func overlay(base Metadata, curated map[string]interface{}) (Metadata, error) {
	if len(curated) == 0 {
		return base, nil
	}
	raw, err := json.Marshal(base)
	if err != nil {
		return Metadata{}, err
	}
	merged := map[string]interface{}{}
	if err := json.Unmarshal(raw, &merged); err != nil {
		return Metadata{}, err
	}
	for k, v := range curated {
		if _, ok := curatableFields[k]; !ok {
			return Metadata{}, fmt.Errorf("curated field %q is not a metadata field", k)
		}
		merged[k] = v
	}
	raw, err = json.Marshal(merged)
	if err != nil {
		return Metadata{}, err
	}
	var out Metadata
	if err := json.Unmarshal(raw, &out); err != nil {
		return Metadata{}, fmt.Errorf("invalid curated metadata: %w", err)
	}
	return out, nil
}

// EffectiveMetadata returns the parsed metadata of t with its curation applied.
func EffectiveMetadata(t *Target) (Metadata, error) {
	return overlay(t.Parsed(), t.CuratedMetadata)
}

// effectiveOrParsed is EffectiveMetadata falling back to the parsed fields.
func effectiveOrParsed(t *Target) Metadata {
	if m, err := EffectiveMetadata(t); err == nil {
		return m
	}
	return t.Parsed()
}
