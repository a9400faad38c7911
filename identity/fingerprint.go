package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"vessel_ingest/models"
)

// Fingerprint hashes fields as JSON with sorted keys. Map keys are sorted
// at every level, so insertion order never affects the result. Pointers are
// replaced by the values they point to before encoding.
func Fingerprint(fields map[string]any) string {
	data, err := json.Marshal(canonicalValue(reflect.ValueOf(fields)))
	if err != nil {
		// Only channels and funcs get here. The encoder error names their type.
		data = []byte(err.Error())
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// canonicalValue dereferences pointers and turns non-finite floats into
// strings so every value has a stable JSON form.
func canonicalValue(v reflect.Value) any {
	if !v.IsValid() {
		return nil
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return canonicalValue(v.Elem())
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return f
	case reflect.Map:
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(canonicalValue(iter.Key()))] = canonicalValue(iter.Value())
		}
		return out
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return string(v.Bytes())
		}
		out := make([]any, v.Len())
		for i := range out {
			out[i] = canonicalValue(v.Index(i))
		}
		return out
	}
	return v.Interface()
}

// ListingFields returns the comparable field subset of a listing row.
func ListingFields(row models.ListingRow) map[string]any {
	return map[string]any{
		"source":     row.Source,
		"source_id":  row.SourceID,
		"name":       row.Name,
		"type":       row.Type,
		"dimensions": row.Dimensions,
		"tonnage":    row.Tonnage,
		"build_year": row.BuildYear,
		"price":      row.Price,
		"currency":   row.Currency,
		"url":        row.URL,
		"image_url":  row.ImageURL,
		"is_sold":    row.IsSold,
	}
}

func ListingFingerprint(row models.ListingRow) string {
	return Fingerprint(ListingFields(row))
}

// PayloadFingerprint covers the listing subset plus detail enrichment.
func PayloadFingerprint(p models.VesselPayload) string {
	fields := ListingFields(p.ListingRow)
	var detail any
	if len(p.Detail) > 0 {
		if err := json.Unmarshal(p.Detail, &detail); err != nil {
			detail = string(p.Detail)
		}
	}
	fields["detail"] = detail
	images := p.Images
	if images == nil {
		images = []string{}
	}
	fields["images"] = images
	return Fingerprint(fields)
}

// ChangedFields lists comparable fields whose values differ between a and b.
func ChangedFields(a, b models.ListingRow) []string {
	fa, fb := ListingFields(a), ListingFields(b)
	var changed []string
	for _, key := range comparableOrder {
		ja, _ := json.Marshal(canonicalValue(reflect.ValueOf(fa[key])))
		jb, _ := json.Marshal(canonicalValue(reflect.ValueOf(fb[key])))
		if string(ja) != string(jb) {
			changed = append(changed, key)
		}
	}
	return changed
}

var comparableOrder = []string{
	"name", "type", "dimensions", "tonnage", "build_year", "price",
	"currency", "url", "image_url", "is_sold",
}
