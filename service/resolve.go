package service

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

var primitives = map[string]bool{
	"null": true, "boolean": true, "int": true, "long": true,
	"float": true, "double": true, "bytes": true, "string": true,
}

func isNamedKind(kind string) bool {
	return kind == "record" || kind == "error" || kind == "enum" || kind == "fixed"
}

func fullname(name, namespace string) string {
	if strings.Contains(name, ".") || namespace == "" {
		return name
	}
	return namespace + "." + name
}

func namespaceOf(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i]
	}
	return ""
}

// typeRegistry maps the fullnames of a protocol's declared types to their
// raw definitions. Nested named declarations (a record declared inline in
// another record's field, say) are registered as well.
type typeRegistry struct {
	defs  map[string]interface{}
	order []string
}

func collectTypes(raws []json.RawMessage, namespace string) (*typeRegistry, error) {
	reg := &typeRegistry{defs: make(map[string]interface{})}
	for i, raw := range raws {
		var schema interface{}
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, errors.Wrapf(err, "cannot decode type #%d", i)
		}
		if err := reg.collect(schema, namespace); err != nil {
			return nil, errors.Wrapf(err, "cannot collect type #%d", i)
		}
	}
	return reg, nil
}

func (reg *typeRegistry) collect(schema interface{}, enclosingNS string) error {
	switch v := schema.(type) {
	case []interface{}: // union
		for _, member := range v {
			if err := reg.collect(member, enclosingNS); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		kind, _ := v["type"].(string)
		ns := enclosingNS
		if isNamedKind(kind) {
			name, _ := v["name"].(string)
			if name == "" {
				return errors.Errorf("%s type is missing a name", kind)
			}
			if explicit, ok := v["namespace"].(string); ok {
				ns = explicit
			}
			fn := fullname(name, ns)
			if _, dup := reg.defs[fn]; dup {
				return errors.Errorf("duplicate type %q", fn)
			}
			reg.defs[fn] = v
			reg.order = append(reg.order, fn)
			ns = namespaceOf(fn)
		}
		switch kind {
		case "record", "error":
			fields, _ := v["fields"].([]interface{})
			for _, f := range fields {
				fm, ok := f.(map[string]interface{})
				if !ok {
					return errors.New("malformed record field")
				}
				if err := reg.collect(fm["type"], ns); err != nil {
					return err
				}
			}
		case "array":
			return reg.collect(v["items"], ns)
		case "map":
			return reg.collect(v["values"], ns)
		}
	}
	return nil
}

// expand resolves the named type fn into a self-contained schema: the
// first occurrence of each named reference is replaced by its full
// definition, later occurrences stay references (required for recursive
// types such as trees). All emitted names are absolute.
func (reg *typeRegistry) expand(fn, enclosingNS string, seen map[string]bool) (interface{}, error) {
	def, ok := reg.defs[fullname(fn, enclosingNS)]
	if !ok {
		return nil, errors.Errorf("undefined type %q", fn)
	}
	return reg.expandSchema(def, enclosingNS, seen)
}

func (reg *typeRegistry) expandSchema(schema interface{}, enclosingNS string, seen map[string]bool) (interface{}, error) {
	switch v := schema.(type) {
	case string:
		if primitives[v] {
			return v, nil
		}
		fn := fullname(v, enclosingNS)
		def, ok := reg.defs[fn]
		if !ok {
			return nil, errors.Errorf("undefined type %q", v)
		}
		if seen[fn] {
			return fn, nil
		}
		return reg.expandSchema(def, namespaceOf(fn), seen)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, member := range v {
			e, err := reg.expandSchema(member, enclosingNS, seen)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case map[string]interface{}:
		kind, _ := v["type"].(string)
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = val
		}
		ns := enclosingNS
		if isNamedKind(kind) {
			name, _ := v["name"].(string)
			if explicit, ok := v["namespace"].(string); ok {
				ns = explicit
			}
			fn := fullname(name, ns)
			if seen[fn] {
				return fn, nil
			}
			seen[fn] = true
			out["name"] = fn
			delete(out, "namespace")
			ns = namespaceOf(fn)
			if kind == "error" {
				// protocol-level error declarations are records on the wire
				out["type"] = "record"
			}
		}
		switch kind {
		case "record", "error":
			fields, _ := v["fields"].([]interface{})
			outFields := make([]interface{}, len(fields))
			for i, f := range fields {
				fm := f.(map[string]interface{})
				of := make(map[string]interface{}, len(fm))
				for k, val := range fm {
					of[k] = val
				}
				e, err := reg.expandSchema(fm["type"], ns, seen)
				if err != nil {
					return nil, err
				}
				of["type"] = e
				outFields[i] = of
			}
			out["fields"] = outFields
		case "array":
			e, err := reg.expandSchema(v["items"], ns, seen)
			if err != nil {
				return nil, err
			}
			out["items"] = e
		case "map":
			e, err := reg.expandSchema(v["values"], ns, seen)
			if err != nil {
				return nil, err
			}
			out["values"] = e
		}
		return out, nil
	default:
		return nil, errors.Errorf("malformed schema of type %T", schema)
	}
}
