package client

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// SearchParams builds FHIR search query strings with typed helpers for
// token, date, reference, string, quantity, and uri params, with optional
// modifiers.
type SearchParams struct {
	values url.Values
}

func NewSearchParams() *SearchParams {
	return &SearchParams{values: url.Values{}}
}

// Add appends a raw name=value pair.
func (p *SearchParams) Add(name, value string) *SearchParams {
	p.values.Add(name, value)
	return p
}

// Token appends a token-typed param (system|code); system may be empty.
func (p *SearchParams) Token(name, system, code string) *SearchParams {
	if system == "" {
		return p.Add(name, code)
	}
	return p.Add(name, system+"|"+code)
}

// Reference appends a reference param (ResourceType/id).
func (p *SearchParams) Reference(name, resourceType, id string) *SearchParams {
	if resourceType == "" {
		return p.Add(name, id)
	}
	return p.Add(name, resourceType+"/"+id)
}

// String appends a string param with an optional modifier (exact, contains).
func (p *SearchParams) String(name, value, modifier string) *SearchParams {
	if modifier != "" {
		name = name + ":" + modifier
	}
	return p.Add(name, value)
}

// Quantity appends a quantity param (value|system|code).
func (p *SearchParams) Quantity(name string, value float64, system, code string) *SearchParams {
	return p.Add(name, fmt.Sprintf("%s|%s|%s", strconv.FormatFloat(value, 'f', -1, 64), system, code))
}

// URI appends a uri-typed param.
func (p *SearchParams) URI(name, value string) *SearchParams {
	return p.Add(name, value)
}

// DateGE appends a date param with the ge prefix.
func (p *SearchParams) DateGE(name string, t time.Time) *SearchParams {
	return p.Add(name, "ge"+t.UTC().Format(time.RFC3339))
}

// DateLE appends a date param with the le prefix.
func (p *SearchParams) DateLE(name string, t time.Time) *SearchParams {
	return p.Add(name, "le"+t.UTC().Format(time.RFC3339))
}

// Count sets the page size (_count).
func (p *SearchParams) Count(n int) *SearchParams {
	p.values.Set("_count", strconv.Itoa(n))
	return p
}

// Values returns a copy of the accumulated query values.
func (p *SearchParams) Values() url.Values {
	out := url.Values{}
	for k, vs := range p.values {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}

// Encode returns the encoded query string.
func (p *SearchParams) Encode() string {
	return p.values.Encode()
}
