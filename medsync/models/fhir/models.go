// fhir package contains structs representing FHIR wire data.
// These are a lighter weight definition carrying only the fields the sync
// core needs; entry resources stay generic JSON.
package fhir

import "time"

type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         struct {
		LastUpdated time.Time `json:"lastUpdated"`
	} `json:"meta"`
	Total uint `json:"total"`
}

type Bundle struct {
	Resource
	Type  string `json:"type"`
	Links []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
	Entries []BundleEntry `json:"entry"`
}

type BundleEntry map[string]interface{}

// NextURL returns the pagination link with relation "next", or "" when the
// bundle is the last page.
func (b *Bundle) NextURL() string {
	for _, l := range b.Links {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// Resource returns the entry's resource object, or nil when the entry has
// none (e.g. OperationOutcome-only entries).
func (e BundleEntry) Resource() map[string]interface{} {
	r, ok := e["resource"].(map[string]interface{})
	if !ok {
		return nil
	}
	return r
}
