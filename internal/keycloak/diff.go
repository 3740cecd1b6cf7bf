package keycloak

import (
	"sort"
	"strconv"
	"strings"
)

type FieldChange struct {
	Field  string
	Before string
	After  string
}

// DiffClients lists changed editable fields in a fixed order. Collections
// are compared as sets; their Before holds removals and After additions.
func DiffClients(before ClientDetails, after ClientDetails) []FieldChange {
	changes := make([]FieldChange, 0, 8)
	addString := func(field string, a string, b string) {
		if a != b {
			changes = append(changes, FieldChange{Field: field, Before: a, After: b})
		}
	}
	addBool := func(field string, a bool, b bool) {
		if a != b {
			changes = append(changes, FieldChange{Field: field, Before: strconv.FormatBool(a), After: strconv.FormatBool(b)})
		}
	}
	addSet := func(field string, a []string, b []string) {
		removed, added := setDiff(a, b)
		if len(removed) == 0 && len(added) == 0 {
			return
		}
		changes = append(changes, FieldChange{
			Field:  field,
			Before: prefixAll("-", removed),
			After:  prefixAll("+", added),
		})
	}

	addString("name", before.Name, after.Name)
	addString("description", before.Description, after.Description)
	addBool("enabled", before.Enabled, after.Enabled)
	addBool("publicClient", before.PublicClient, after.PublicClient)
	addBool("standardFlow", before.StandardFlow, after.StandardFlow)
	addBool("implicitFlow", before.ImplicitFlow, after.ImplicitFlow)
	addBool("directAccessGrants", before.DirectAccessGrants, after.DirectAccessGrants)
	addBool("serviceAccounts", before.ServiceAccounts, after.ServiceAccounts)
	addString("rootUrl", before.RootURL, after.RootURL)
	addString("baseUrl", before.BaseURL, after.BaseURL)
	addSet("redirectUris", before.RedirectURIs, after.RedirectURIs)
	addSet("webOrigins", before.WebOrigins, after.WebOrigins)
	addSet("defaultScopes", before.DefaultScopes, after.DefaultScopes)
	return changes
}

// FormatChanges renders "field: old -> new; ..." for the audit message.
func FormatChanges(changes []FieldChange) string {
	parts := make([]string, 0, len(changes))
	for _, change := range changes {
		parts = append(parts, change.Field+": "+displayValue(change.Before)+" -> "+displayValue(change.After))
	}
	return strings.Join(parts, "; ")
}

func changeFields(changes []FieldChange) []string {
	out := make([]string, 0, len(changes))
	for _, change := range changes {
		out = append(out, change.Field)
	}
	return out
}

func displayValue(v string) string {
	if v == "" {
		return `""`
	}
	return v
}

func setDiff(before []string, after []string) (removed []string, added []string) {
	beforeSet := toSet(before)
	afterSet := toSet(after)
	for item := range beforeSet {
		if _, ok := afterSet[item]; !ok {
			removed = append(removed, item)
		}
	}
	for item := range afterSet {
		if _, ok := beforeSet[item]; !ok {
			added = append(added, item)
		}
	}
	sort.Strings(removed)
	sort.Strings(added)
	return removed, added
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out[trimmed] = struct{}{}
		}
	}
	return out
}

func prefixAll(prefix string, items []string) string {
	if len(items) == 0 {
		return ""
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = prefix + item
	}
	return strings.Join(out, ",")
}
