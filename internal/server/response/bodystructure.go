package response

import (
	"fmt"
	"sort"
	"strings"
)

// BodyStructure renders the structure of p. With extended set it adds the
// extension data of BODYSTRUCTURE; without, it is the plain BODY form.
func BodyStructure(p *Part, extended bool) string {
	if p.IsMultipart() {
		var b strings.Builder
		b.WriteString("(")
		for _, c := range p.Children {
			b.WriteString(BodyStructure(c, extended))
		}
		b.WriteString(" ")
		b.WriteString(Quote(strings.ToUpper(p.Subtype)))
		if extended {
			fmt.Fprintf(&b, " %s NIL NIL NIL", paramList(p.Params))
		}
		b.WriteString(")")
		return b.String()
	}

	fields := []string{
		Quote(strings.ToUpper(p.Type)),
		Quote(strings.ToUpper(p.Subtype)),
		paramList(p.Params),
		"NIL", // content-id
		"NIL", // description
		Quote(strings.ToUpper(p.Encoding)),
		fmt.Sprint(p.Size),
	}
	if p.Type == "text" {
		fields = append(fields, fmt.Sprint(p.Lines))
	}
	if extended {
		fields = append(fields, "NIL", disposition(p), "NIL", "NIL")
	}
	return "(" + strings.Join(fields, " ") + ")"
}

func disposition(p *Part) string {
	if p.Filename != "" {
		return fmt.Sprintf(`("ATTACHMENT" ("FILENAME" %s))`, Quote(p.Filename))
	}
	if p.Encoding == "base64" {
		return `("ATTACHMENT" NIL)`
	}
	return "NIL"
}

// paramList renders ("KEY" "value" ...) in key order, or NIL.
func paramList(params map[string]string) string {
	if len(params) == 0 {
		return "NIL"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		parts = append(parts, Quote(strings.ToUpper(k)), Quote(params[k]))
	}
	return "(" + strings.Join(parts, " ") + ")"
}
