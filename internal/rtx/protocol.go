package rtx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Upstream service/topic pairs and tables.
const (
	serviceAccountGateway = "ACCOUNT_GATEWAY"
	serviceTA             = "TA_SRV"
	topicOrder            = "ORDER"
	topicLiveQuote        = "LIVEQUOTE"

	tableOrders    = "ORDERS"
	tableAccount   = "ACCOUNT"
	tableDeposit   = "DEPOSIT"
	tablePosition  = "POSITION"
	tableLiveQuote = "LIVEQUOTE"
	tableDaily     = "DAILY"
	tableIntraday  = "INTRADAY"

	barchartFields = "DISP_NAME,TRD_DATE,TRDTIM_1,OPEN_PRC,HIGH_1,LOW_1,SETTLE,ACVOL_1"

	executionWhere = "TYPE='ExchangeTradeOrder'"

	defaultExchange = "NYS"
	stockType       = "1"
)

// Protocol acknowledgement and status tokens.
const (
	ackConnection    = "CONNECTION PENDING"
	ackRequest       = "REQUEST_OK"
	ackAdvise        = "ADVISE_OK"
	ackAdviseRequest = "ADVISE_REQUEST_OK"
	ackUnadvise      = "UNADVISE_OK"
	ackPoke          = "POKE_OK"
	ackExecute       = "EXECUTE_OK"
	ackTerminate     = "TERMINATE_OK"

	statusInitAck   = "OnInitAck"
	statusOtherAck  = "OnOtherAck"
	statusTerminate = "OnTerminate"
)

var defaultExecutionFields = strings.Split(
	"ORDER_ID,ORIGINAL_ORDER_ID,BANK,BRANCH,CUSTOMER,DEPOSIT,AVG_PRICE,BUYORSELL,CURRENCY,"+
		"CURRENT_STATUS,DISP_NAME,EXCHANGE,EXIT_VEHICLE,FILL_ID,ORDER_RESIDUAL,ORIGINAL_PRICE,"+
		"ORIGINAL_VOLUME,PRICE,PRICE_TYPE,TIME_STAMP,TIME_ZONE,MARKET_TRD_DATE,TRD_TIME,VOLUME,"+
		"VOLUME_TRADED,CUSIP", ",")

// ---------------------------------------------------------------------------
// Rows
// ---------------------------------------------------------------------------

// Row is one record of upstream fields. Values are strings for scalar fields
// and slices for bar-chart columns.
type Row map[string]any

// Str returns the field as a string, or "" when absent.
func (r Row) Str(key string) string {
	return valueString(r[key])
}

// Has reports whether the field is present.
func (r Row) Has(key string) bool {
	_, ok := r[key]
	return ok
}

func (r Row) clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func valueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// sameValue compares two field values, treating numeric strings and numbers
// with equal value as equal.
func sameValue(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	as, bs := valueString(a), valueString(b)
	if as == bs {
		return a != nil && b != nil
	}
	af, aerr := strconv.ParseFloat(as, 64)
	bf, berr := strconv.ParseFloat(bs, 64)
	return aerr == nil && berr == nil && af == bf
}

// ---------------------------------------------------------------------------
// Field sentinels
// ---------------------------------------------------------------------------

// FieldError is an upstream error code sent in place of a field value.
type FieldError int

const (
	FieldNotFound        FieldError = 0
	FieldNoValue         FieldError = 2
	FieldNotPermissioned FieldError = 3
	FieldNoRecord        FieldError = 17
	FieldReset           FieldError = 256
)

// String renders the code the way the gateway sends it.
func (e FieldError) String() string {
	return "Error " + strconv.Itoa(int(e))
}

func (e FieldError) Error() string {
	switch e {
	case FieldNotFound:
		return "Field Not Found"
	case FieldNoValue:
		return "Field No Value"
	case FieldNotPermissioned:
		return "Field Not Permissioned"
	case FieldNoRecord:
		return "No Record Exists"
	case FieldReset:
		return "Field Reset"
	default:
		return "Unknown Field Error"
	}
}

// ParseFieldError reports whether v is an upstream error sentinel.
func ParseFieldError(v string) (FieldError, bool) {
	if len(v) < 6 || !strings.EqualFold(v[:6], "error ") {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(v[6:]))
	if err != nil {
		return -1, true
	}
	return FieldError(code), true
}

func isFieldError(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	_, bad := ParseFieldError(s)
	return bad
}

// fieldParser converts raw upstream values, logging sentinels as warnings.
type fieldParser struct {
	warn func(msg string, args ...any)
}

// field returns the raw string or ok=false for absent and sentinel values.
func (p fieldParser) field(v any, pid, label string) (string, bool) {
	if v == nil {
		return "", false
	}
	s := valueString(v)
	if code, bad := ParseFieldError(s); bad {
		if p.warn != nil {
			p.warn("field parse failure", "pid", pid, "field", label, "value", s, "code", code.Error())
		}
		return "", false
	}
	return s, true
}

// Float parses a price field rounded to cents; nil for sentinels.
func (p fieldParser) Float(v any, pid, label string) *float64 {
	s, ok := p.field(v, pid, label)
	if !ok || s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	f = roundCents(f)
	return &f
}

// Int parses a quantity field; nil for sentinels.
func (p fieldParser) Int(v any, pid, label string) *int64 {
	s, ok := p.field(v, pid, label)
	if !ok || s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return nil
		}
		n = int64(f)
	}
	return &n
}

// Str parses a text field; "" for sentinels.
func (p fieldParser) Str(v any, pid, label string) string {
	s, _ := p.field(v, pid, label)
	return s
}

// Time parses an HH:MM:SS field.
func (p fieldParser) Time(v any, pid, label string) (time.Duration, bool) {
	s, ok := p.field(v, pid, label)
	if !ok {
		return 0, false
	}
	parts := strings.Split(s, ":")
	if len(parts) < 3 {
		return 0, false
	}
	var hms [3]int
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return 0, false
		}
		hms[i] = n
	}
	return time.Duration(hms[0])*time.Hour + time.Duration(hms[1])*time.Minute + time.Duration(hms[2])*time.Second, true
}

// Date parses a YYYY-MM-DD field.
func (p fieldParser) Date(v any, pid, label string) (y int, m time.Month, d int, ok bool) {
	s, ok := p.field(v, pid, label)
	if !ok {
		return 0, 0, 0, false
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return 0, 0, 0, false
	}
	return t.Year(), t.Month(), t.Day(), true
}

func roundCents(f float64) float64 {
	v, _ := strconv.ParseFloat(strconv.FormatFloat(f, 'f', 2, 64), 64)
	return v
}

// ---------------------------------------------------------------------------
// Inbound envelope
// ---------------------------------------------------------------------------

// Message kinds carried in the inbound envelope.
const (
	kindSystem   = "system"
	kindAck      = "ack"
	kindResponse = "response"
	kindStatus   = "status"
	kindUpdate   = "update"
)

type envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type systemData struct {
	Msg  string `json:"msg"`
	Item any    `json:"item"`
}

type responseData struct {
	Row      Row  `json:"row"`
	Complete bool `json:"complete"`
}

type statusData struct {
	Msg    string     `json:"msg"`
	Status flexString `json:"status"`
}

type updateData struct {
	Row Row `json:"row"`
}

// flexString accepts either a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(string(b))
	return nil
}

func decodeEnvelope(line []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return env, fmt.Errorf("decoding gateway message: %w", err)
	}
	return env, nil
}

// ---------------------------------------------------------------------------
// Outbound commands
// ---------------------------------------------------------------------------

func connectCommand(id, key string) string {
	return "connect " + id + " " + key
}

func tql(table, what, where string) string {
	return table + ";" + what + ";" + where
}

// whereClause joins FIELD='value' predicates.
func whereClause(pairs ...string) string {
	preds := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		preds = append(preds, fmt.Sprintf("%s='%s'", pairs[i], pairs[i+1]))
	}
	return strings.Join(preds, ",")
}

// field is one name=value pair of a poke payload, kept in submission order.
type field struct {
	name  string
	value string
}

func pokeData(fields []field) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.name + "=" + f.value
	}
	return strings.Join(parts, ",")
}

// strategyParams encodes route strategy parameters as k\x1Fv\x01 pairs.
func strategyParams(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return valueString(v)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(0x1F)
		b.WriteString(valueString(m[k]))
		b.WriteByte(0x01)
	}
	return b.String()
}
