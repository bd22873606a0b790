package feedback

import (
	"strings"

	"github.com/spf13/cast"

	"github.com/fyrsmithlabs/flowlearn/internal/component"
)

// Keys read from the free-form detail payload when the typed fields are
// absent. Upstream producers are inconsistent about which they send.
var (
	missingKeys  = []string{"missing_components", "missing"}
	extraKeys    = []string{"extra_components", "extra"}
	sequenceKeys = []string{"expected_sequence", "expected_order", "correct_sequence"}
)

// applyDetail fills unset typed fields of in from in.Detail.
func applyDetail(in *SubmitInput) {
	if len(in.Detail) == 0 {
		return
	}
	if len(in.Missing) == 0 {
		in.Missing = toRefs(lookup(in.Detail, missingKeys))
	}
	if len(in.Extra) == 0 {
		in.Extra = toRefs(lookup(in.Detail, extraKeys))
	}
	if len(in.ExpectedOrder) == 0 {
		for _, r := range toRefs(lookup(in.Detail, sequenceKeys)) {
			in.ExpectedOrder = append(in.ExpectedOrder, r.Type)
		}
	}
	if in.Rating == nil {
		if v, ok := in.Detail["rating"]; ok {
			if n, err := cast.ToIntE(v); err == nil {
				in.Rating = &n
			}
		}
	}
	if in.ImportSuccess == nil {
		if v, ok := in.Detail["import_success"]; ok {
			if b, err := cast.ToBoolE(v); err == nil {
				in.ImportSuccess = &b
			}
		}
	}
}

func lookup(m map[string]interface{}, keys []string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// toRefs accepts a list of type names, a list of {type, quantity, sub_type}
// objects, or a comma separated string.
func toRefs(v interface{}) []component.Ref {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		var out []component.Ref
		for _, part := range strings.Split(s, ",") {
			if t := strings.TrimSpace(part); t != "" {
				out = append(out, component.Ref{Type: t})
			}
		}
		return out
	}

	items, err := cast.ToSliceE(v)
	if err != nil {
		return nil
	}
	out := make([]component.Ref, 0, len(items))
	for _, item := range items {
		var ref component.Ref
		if m, err := cast.ToStringMapE(item); err == nil {
			ref = component.Ref{
				Type:     strings.TrimSpace(cast.ToString(m["type"])),
				Quantity: cast.ToInt(m["quantity"]),
				SubType:  cast.ToString(m["sub_type"]),
			}
		} else {
			ref = component.Ref{Type: strings.TrimSpace(cast.ToString(item))}
		}
		if ref.Type != "" {
			out = append(out, ref)
		}
	}
	return out
}

// toStrings coerces a JSON-decoded list into strings.
func toStrings(v interface{}) []string {
	if v == nil {
		return nil
	}
	out, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil
	}
	return out
}
