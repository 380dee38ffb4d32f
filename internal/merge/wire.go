package merge

import (
	"github.com/aionixone/openact/internal/domain"
	"github.com/aionixone/openact/internal/openacterr"
)

// ValuesFromWire converts the JSON wire form of a header/query map into a
// ValuesMap. A value may be a single string, a list of strings, or null;
// null marks an explicit delete and is collected into deletes rather than
// the map. Both adapters (REST and CLI) decode caller input through this.
func ValuesFromWire(in map[string]any) (vals domain.ValuesMap, deletes map[string]bool, err error) {
	const op = "merge.ValuesFromWire"
	if len(in) == 0 {
		return nil, nil, nil
	}
	vals = domain.ValuesMap{}
	deletes = map[string]bool{}
	for k, v := range in {
		switch t := v.(type) {
		case nil:
			deletes[k] = true
		case string:
			vals[k] = []string{t}
		case []any:
			list := make([]string, 0, len(t))
			for _, item := range t {
				s, ok := item.(string)
				if !ok {
					return nil, nil, openacterr.New(openacterr.KindValidation, op, "header/query values must be strings").
						WithDetails(map[string]any{"key": k})
				}
				list = append(list, s)
			}
			vals[k] = list
		default:
			return nil, nil, openacterr.New(openacterr.KindValidation, op, "header/query value must be a string, list of strings, or null").
				WithDetails(map[string]any{"key": k})
		}
	}
	if len(vals) == 0 {
		vals = nil
	}
	if len(deletes) == 0 {
		deletes = nil
	}
	return vals, deletes, nil
}

// OverridesFromWire builds Overrides from the adapters' wire shape.
func OverridesFromWire(headers, query map[string]any, body domain.JSONBody, hasBody bool) (Overrides, error) {
	h, dh, err := ValuesFromWire(headers)
	if err != nil {
		return Overrides{}, err
	}
	q, dq, err := ValuesFromWire(query)
	if err != nil {
		return Overrides{}, err
	}
	return Overrides{
		Headers:           h,
		DeleteHeaders:     dh,
		QueryParams:       q,
		DeleteQueryParams: dq,
		Body:              body,
		HasBody:           hasBody,
	}, nil
}
