package gwsim

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
)

// Inbound verbs and the acknowledgement each one receives.
var acks = map[string]string{
	"connect":       "CONNECTION PENDING",
	"request":       "REQUEST_OK",
	"advise":        "ADVISE_OK",
	"adviserequest": "ADVISE_REQUEST_OK",
	"unadvise":      "UNADVISE_OK",
	"poke":          "POKE_OK",
	"execute":       "EXECUTE_OK",
	"terminate":     "TERMINATE_OK",
}

const (
	statusInitAck  = "OnInitAck"
	statusOtherAck = "OnOtherAck"
)

// Row is one record of gateway fields.
type Row map[string]any

func (r Row) clone() Row {
	return maps.Clone(r)
}

func (r Row) str(key string) string {
	s, _ := r[key].(string)
	return s
}

type envelope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data any    `json:"data"`
}

func encode(typ, id string, data any) ([]byte, error) {
	b, err := json.Marshal(envelope{Type: typ, ID: id, Data: data})
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// command is one parsed inbound line: "<verb> <slot> <args>".
type command struct {
	verb string
	slot string
	args string
}

func parseCommand(line string) (command, bool) {
	verb, rest, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok {
		return command{}, false
	}
	slot, args, _ := strings.Cut(rest, " ")
	return command{verb: verb, slot: slot, args: args}, true
}

// query is a parsed "TABLE;what;where" argument with an optional
// "!data" poke payload. Each where key maps to its accepted values.
type query struct {
	table string
	what  []string
	where map[string][]string
	data  Row
}

func (q query) get(key string) string {
	if v := q.where[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func parseQuery(args string) query {
	args, payload, _ := strings.Cut(args, "!")
	parts := strings.SplitN(args, ";", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	q := query{table: parts[0], where: parseWhere(parts[2])}
	if parts[1] != "" && parts[1] != "*" {
		q.what = strings.Split(parts[1], ",")
	}
	if payload != "" {
		q.data = Row{}
		for _, p := range strings.Split(payload, ",") {
			if k, v, ok := strings.Cut(p, "="); ok {
				q.data[k] = v
			}
		}
	}
	return q
}

// parseWhere splits "A='x',B={'y','z'}" into predicates. A braced value is
// a set of alternatives.
func parseWhere(s string) map[string][]string {
	out := make(map[string][]string)
	for _, pred := range splitTop(s) {
		k, v, ok := strings.Cut(pred, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if strings.HasPrefix(v, "{") && strings.HasSuffix(v, "}") {
			for _, alt := range strings.Split(v[1:len(v)-1], ",") {
				out[k] = append(out[k], strings.Trim(strings.TrimSpace(alt), "'"))
			}
			continue
		}
		out[k] = []string{strings.Trim(v, "'")}
	}
	return out
}

// splitTop splits on commas outside braces.
func splitTop(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if start < len(s) {
		parts = append(parts, s[start:])
	}
	return parts
}

// matches reports whether row satisfies every predicate in where.
func matches(row Row, where map[string][]string) bool {
	for k, alts := range where {
		if !slices.Contains(alts, row.str(k)) {
			return false
		}
	}
	return true
}

// project keeps the requested fields plus the record key.
func project(row Row, what []string) Row {
	if len(what) == 0 {
		return row.clone()
	}
	out := Row{"DISP_NAME": row["DISP_NAME"]}
	for _, f := range what {
		if v, ok := row[f]; ok {
			out[f] = v
		}
	}
	return out
}
