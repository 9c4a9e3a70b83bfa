package datatypes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedMethod = errors.New("unsupported request method")
	ErrEmptyEndpoint     = errors.New("endpoint must not be empty")
)

type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodPatch  Method = "PATCH"
	MethodDelete Method = "DELETE"
)

// ParseMethod accepts any casing; an empty method means GET.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToUpper(strings.TrimSpace(s))); m {
	case "":
		return MethodGet, nil
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMethod, s)
	}
}

// HasBody reports whether Options.Data is sent as the request body.
func (m Method) HasBody() bool {
	return m == MethodPost || m == MethodPut || m == MethodPatch
}

// Options configures a single call. Extra holds fields this package does not
// interpret; they are handed to the transport unchanged.
type Options struct {
	Params      map[string]any    `json:"params,omitempty"`
	Data        any               `json:"data,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Credentials bool              `json:"credentials,omitempty"`
	Extra       map[string]any    `json:"extra,omitempty"`
}

// RequestDescription is one immutable call attempt.
type RequestDescription struct {
	Endpoint string
	Method   Method
	Options  Options
}

func (d RequestDescription) String() string {
	return fmt.Sprintf("%s %s", d.Method, d.Endpoint)
}

// Validate returns a copy with the method normalized, or an error wrapping
// ErrEmptyEndpoint or ErrUnsupportedMethod.
func (d RequestDescription) Validate() (RequestDescription, error) {
	if strings.TrimSpace(d.Endpoint) == "" {
		return d, ErrEmptyEndpoint
	}

	m, err := ParseMethod(string(d.Method))
	if err != nil {
		return d, err
	}

	d.Method = m

	return d, nil
}

// Equal reports whether both descriptions are the same logical request:
// same endpoint, same method and the same serialized options.
func (d RequestDescription) Equal(o RequestDescription) bool {
	if d.Endpoint != o.Endpoint || d.Method != o.Method {
		return false
	}

	a, err := d.Options.Serialize()
	if err != nil {
		return false
	}

	b, err := o.Options.Serialize()
	if err != nil {
		return false
	}

	return bytes.Equal(a, b)
}

// Serialize renders the options as JSON. Map keys are emitted sorted, so equal
// options always serialize identically.
func (o Options) Serialize() ([]byte, error) {
	return json.Marshal(o)
}
