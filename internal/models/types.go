package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Request represents a protocol-agnostic request
type Request struct {
	Protocol    string `json:"protocol,omitempty"`
	RequestFrom string `json:"requestFrom,omitempty"`
	IP          string `json:"ip,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`

	// HTTP-specific fields
	Method  string                 `json:"method,omitempty"`
	Path    string                 `json:"path,omitempty"`
	Query   map[string]interface{} `json:"query,omitempty"`
	Headers map[string]interface{} `json:"headers,omitempty"`
	Body    string                 `json:"body,omitempty"`

	// Raw payload for stream protocols
	Data string `json:"data,omitempty"`

	// Internal fields
	IsDryRun bool `json:"-"`
}

// Object returns the generic form of the request that predicates, selectors
// and scripts operate on. Query and headers are always present.
func (r *Request) Object() map[string]interface{} {
	obj := map[string]interface{}{
		"method":  r.Method,
		"path":    r.Path,
		"query":   genericFields(r.Query),
		"headers": genericFields(r.Headers),
		"body":    r.Body,
	}
	if r.Data != "" {
		obj["data"] = r.Data
	}
	if r.RequestFrom != "" {
		obj["requestFrom"] = r.RequestFrom
	}
	if r.IP != "" {
		obj["ip"] = r.IP
	}
	return obj
}

func genericFields(fields map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(fields))
	for key, value := range fields {
		switch v := value.(type) {
		case []string:
			list := make([]interface{}, len(v))
			for i, item := range v {
				list[i] = item
			}
			result[key] = list
		default:
			result[key] = v
		}
	}
	return result
}

// Response represents a protocol-agnostic response
type Response struct {
	// HTTP-specific fields
	StatusCode int                    `json:"statusCode,omitempty"`
	Headers    map[string]interface{} `json:"headers,omitempty"`
	Body       interface{}            `json:"body,omitempty"`

	// Raw payload for stream protocols
	Data string `json:"data,omitempty"`

	// Mode is "binary" when Body holds base64 encoded bytes
	Mode string `json:"_mode,omitempty"`

	// Internal fields
	ProxyResponseTime int `json:"_proxyResponseTime,omitempty"`
}

// Predicate represents a request matching condition
type Predicate struct {
	Equals     interface{} `json:"equals,omitempty"`
	DeepEquals interface{} `json:"deepEquals,omitempty"`
	Contains   interface{} `json:"contains,omitempty"`
	StartsWith interface{} `json:"startsWith,omitempty"`
	EndsWith   interface{} `json:"endsWith,omitempty"`
	Matches    interface{} `json:"matches,omitempty"`
	Exists     interface{} `json:"exists,omitempty"`
	Not        *Predicate  `json:"not,omitempty"`
	Or         []Predicate `json:"or,omitempty"`
	And        []Predicate `json:"and,omitempty"`
	Inject     string      `json:"inject,omitempty"`

	CaseSensitive bool      `json:"caseSensitive,omitempty"`
	Except        string    `json:"except,omitempty"`
	XPath         *Selector `json:"xpath,omitempty"`
	JSONPath      *Selector `json:"jsonpath,omitempty"`
}

// Selector narrows a body down to the values an xpath or jsonpath expression
// selects. NS maps prefixes to namespace URIs and only applies to xpath.
type Selector struct {
	Selector string            `json:"selector"`
	NS       map[string]string `json:"ns,omitempty"`
}

// Wait is either a fixed delay in milliseconds or a JavaScript function
// returning one.
type Wait struct {
	Milliseconds int
	Function     string
}

// UnmarshalJSON accepts a number, a numeric string or a function source
func (w *Wait) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		w.Milliseconds = int(v)
	case string:
		if ms, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			w.Milliseconds = ms
		} else {
			w.Function = v
		}
	default:
		return fmt.Errorf("wait must be a number or a function, got %s", string(data))
	}
	return nil
}

// MarshalJSON writes the function source when present, otherwise the delay
func (w Wait) MarshalJSON() ([]byte, error) {
	if w.Function != "" {
		return json.Marshal(w.Function)
	}
	return json.Marshal(w.Milliseconds)
}

// FieldSelector names a request field, either at the top level ("body") or
// nested ({"query": "name"}).
type FieldSelector struct {
	Path []string
}

// UnmarshalJSON accepts a string or a chain of single-key objects
func (f *FieldSelector) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	path, err := fieldPath(raw)
	if err != nil {
		return err
	}
	f.Path = path
	return nil
}

func fieldPath(raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case map[string]interface{}:
		if len(v) != 1 {
			return nil, fmt.Errorf("from field must have exactly one key per object")
		}
		for key, nested := range v {
			rest, err := fieldPath(nested)
			if err != nil {
				return nil, err
			}
			return append([]string{key}, rest...), nil
		}
	}
	return nil, fmt.Errorf("from field must be a string or an object")
}

// MarshalJSON rebuilds the string or nested object form
func (f FieldSelector) MarshalJSON() ([]byte, error) {
	if len(f.Path) == 0 {
		return json.Marshal("")
	}
	var value interface{} = f.Path[len(f.Path)-1]
	for i := len(f.Path) - 2; i >= 0; i-- {
		value = map[string]interface{}{f.Path[i]: value}
	}
	return json.Marshal(value)
}

func (f FieldSelector) String() string {
	return strings.Join(f.Path, ".")
}

// Using selects values from a request field
type Using struct {
	Method   string            `json:"method"`
	Selector string            `json:"selector"`
	NS       map[string]string `json:"ns,omitempty"`
	Options  *UsingOptions     `json:"options,omitempty"`
}

// UsingOptions tunes regex selection
type UsingOptions struct {
	IgnoreCase bool `json:"ignoreCase,omitempty"`
	Multiline  bool `json:"multiline,omitempty"`
}

// CopyBehavior copies selected request values into response tokens
type CopyBehavior struct {
	From  FieldSelector `json:"from"`
	Into  string        `json:"into"`
	Using Using         `json:"using"`
}

// LookupKey selects the key used to find a data source row
type LookupKey struct {
	From  FieldSelector `json:"from"`
	Using Using         `json:"using"`
	Index int           `json:"index,omitempty"`
}

// LookupBehavior replaces tokens with columns from a data source row
type LookupBehavior struct {
	Key            LookupKey  `json:"key"`
	FromDataSource DataSource `json:"fromDataSource"`
	Into           string     `json:"into"`
}

// DataSource represents a data source for lookup
type DataSource struct {
	CSV *CSVDataSource `json:"csv,omitempty"`
}

// CSVDataSource represents a CSV data source
type CSVDataSource struct {
	Path      string `json:"path"`
	KeyColumn string `json:"keyColumn"`
	Delimiter string `json:"delimiter,omitempty"`
}

// ShellCommands holds one or more shellTransform commands, run in order
type ShellCommands []string

// UnmarshalJSON accepts a single command or a list
func (s *ShellCommands) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = ShellCommands{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = list
	return nil
}

// MarshalJSON writes a single command as a plain string
func (s ShellCommands) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// Behaviors is the set of post-processing transforms attached to a response.
// They always run in the order copy, lookup, wait, shellTransform, decorate.
type Behaviors struct {
	Wait           *Wait            `json:"wait,omitempty"`
	Repeat         int              `json:"repeat,omitempty"`
	Copy           []CopyBehavior   `json:"copy,omitempty"`
	Lookup         []LookupBehavior `json:"lookup,omitempty"`
	ShellTransform ShellCommands    `json:"shellTransform,omitempty"`
	Decorate       string           `json:"decorate,omitempty"`
}

// IsEmpty reports whether no transform is configured
func (b *Behaviors) IsEmpty() bool {
	return b == nil || (b.Wait == nil && len(b.Copy) == 0 && len(b.Lookup) == 0 &&
		len(b.ShellTransform) == 0 && b.Decorate == "")
}

// merge folds other into b; later single-valued settings win
func (b *Behaviors) merge(other Behaviors) {
	if other.Wait != nil {
		b.Wait = other.Wait
	}
	if other.Repeat > 0 {
		b.Repeat = other.Repeat
	}
	b.Copy = append(b.Copy, other.Copy...)
	b.Lookup = append(b.Lookup, other.Lookup...)
	b.ShellTransform = append(b.ShellTransform, other.ShellTransform...)
	if other.Decorate != "" {
		b.Decorate = other.Decorate
	}
}

// PredicateGenerator describes how to build predicates for a recorded proxy
// response from the request that produced it
type PredicateGenerator struct {
	Matches       map[string]interface{} `json:"matches"`
	CaseSensitive bool                   `json:"caseSensitive,omitempty"`
	Except        string                 `json:"except,omitempty"`
	XPath         *Selector              `json:"xpath,omitempty"`
	JSONPath      *Selector              `json:"jsonpath,omitempty"`
}

// ResponseConfig represents a response configuration
type ResponseConfig struct {
	Is        *Response    `json:"is,omitempty"`
	Proxy     *ProxyConfig `json:"proxy,omitempty"`
	Inject    string       `json:"inject,omitempty"`
	Fault     string       `json:"fault,omitempty"`
	Behaviors *Behaviors   `json:"_behaviors,omitempty"`
	Repeat    int          `json:"repeat,omitempty"`
}

// UnmarshalJSON also accepts the older "behaviors" array form, merging each
// entry into _behaviors
func (rc *ResponseConfig) UnmarshalJSON(data []byte) error {
	type plain ResponseConfig
	var decoded struct {
		plain
		Legacy []Behaviors `json:"behaviors,omitempty"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*rc = ResponseConfig(decoded.plain)
	if len(decoded.Legacy) > 0 {
		if rc.Behaviors == nil {
			rc.Behaviors = &Behaviors{}
		}
		for _, b := range decoded.Legacy {
			rc.Behaviors.merge(b)
		}
	}
	return nil
}

// RepeatCount returns how many consecutive matches return this response
func (rc *ResponseConfig) RepeatCount() int {
	if rc.Repeat > 0 {
		return rc.Repeat
	}
	if rc.Behaviors != nil && rc.Behaviors.Repeat > 0 {
		return rc.Behaviors.Repeat
	}
	return 1
}

// Kinds lists the response types configured on rc
func (rc *ResponseConfig) Kinds() []string {
	var kinds []string
	if rc.Is != nil {
		kinds = append(kinds, "is")
	}
	if rc.Proxy != nil {
		kinds = append(kinds, "proxy")
	}
	if rc.Inject != "" {
		kinds = append(kinds, "inject")
	}
	if rc.Fault != "" {
		kinds = append(kinds, "fault")
	}
	return kinds
}

// ProxyConfig represents proxy configuration
type ProxyConfig struct {
	To                  string               `json:"to"`
	Mode                string               `json:"mode,omitempty"`
	PredicateGenerators []PredicateGenerator `json:"predicateGenerators,omitempty"`
	InjectHeaders       map[string]string    `json:"injectHeaders,omitempty"`
	AddWaitBehavior     bool                 `json:"addWaitBehavior,omitempty"`
	AddDecorateBehavior string               `json:"addDecorateBehavior,omitempty"`
	Cert                string               `json:"cert,omitempty"`
	Key                 string               `json:"key,omitempty"`
}

// Proxy modes
const (
	ProxyOnce   = "proxyOnce"
	ProxyAlways = "proxyAlways"
)

// Match represents a recorded stub match
type Match struct {
	ID        string    `json:"id"`
	Timestamp string    `json:"timestamp"`
	Request   *Request  `json:"request"`
	Response  *Response `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Stub represents a stub with predicates and responses
type Stub struct {
	Predicates []Predicate      `json:"predicates,omitempty"`
	Responses  []ResponseConfig `json:"responses"`
	Matches    []Match          `json:"matches,omitempty"`
}

// ImposterConfig represents the configuration for creating an imposter
type ImposterConfig struct {
	Protocol        string    `json:"protocol" validate:"required,oneof=http https"`
	Port            int       `json:"port,omitempty" validate:"gte=0,lte=65535"`
	Name            string    `json:"name,omitempty"`
	Host            string    `json:"host,omitempty" validate:"omitempty,hostname|ip"`
	RecordRequests  bool      `json:"recordRequests,omitempty"`
	RecordMatches   bool      `json:"recordMatches,omitempty"`
	Stubs           []Stub    `json:"stubs,omitempty"`
	DefaultResponse *Response `json:"defaultResponse,omitempty"`
	AllowCORS       bool      `json:"allowCORS,omitempty"`

	// TLS
	Key        string `json:"key,omitempty"`
	Cert       string `json:"cert,omitempty"`
	MutualAuth bool   `json:"mutualAuth,omitempty"`
}

// sortedKeys returns the keys of m in lexical order
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
