// Package render substitutes client and sequence variables into message templates.
//
// Tokens look like {{ first_name }}: names are case-insensitive and may be
// padded with whitespace. Unknown tokens render as the empty string, and any
// token-shaped text left after substitution is removed, so a recipient never
// sees a raw placeholder. Rendering never fails.
package render

import (
	"regexp"
	"strings"
)

// Variable names recognised in templates.
const (
	VarFirstName    = "first_name"
	VarLastName     = "last_name"
	VarFullName     = "full_name"
	VarEmail        = "email"
	VarPhone        = "phone"
	VarSequenceName = "sequence_name"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Vars is the fixed variable set for one enrollment.
type Vars struct {
	FirstName    string
	LastName     string
	Email        string
	Phone        string
	SequenceName string
}

// FullName joins first and last name, dropping the separator when either is empty
func (v Vars) FullName() string {
	return strings.TrimSpace(v.FirstName + " " + v.LastName)
}

// Lookup returns the value of a variable by its lower-case name
func (v Vars) Lookup(name string) (string, bool) {
	switch name {
	case VarFirstName:
		return v.FirstName, true
	case VarLastName:
		return v.LastName, true
	case VarFullName:
		return v.FullName(), true
	case VarEmail:
		return v.Email, true
	case VarPhone:
		return v.Phone, true
	case VarSequenceName:
		return v.SequenceName, true
	}
	return "", false
}

// String renders tmpl with v
func String(tmpl string, v Vars) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	out := tokenPattern.ReplaceAllStringFunc(tmpl, func(token string) string {
		name := strings.ToLower(tokenPattern.FindStringSubmatch(token)[1])
		value, _ := v.Lookup(name)
		return value
	})
	// Values may themselves contain token-shaped text
	return Strip(out)
}

// Strip removes every token-shaped substring from s
func Strip(s string) string {
	return tokenPattern.ReplaceAllLiteralString(s, "")
}

// Message is a rendered subject and body pair
type Message struct {
	Subject string
	Body    string
}

// Template renders both parts of a message template
func Template(subject, body string, v Vars) Message {
	return Message{
		Subject: String(subject, v),
		Body:    String(body, v),
	}
}

// Tokens lists the distinct lower-cased token names used in tmpl, in order of first use.
// Seeding uses it to warn about unknown variables before they silently render empty.
func Tokens(tmpl string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range tokenPattern.FindAllStringSubmatch(tmpl, -1) {
		name := strings.ToLower(m[1])
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// Unknown returns the token names in tmpl that no variable resolves
func Unknown(tmpl string) []string {
	var unknown []string
	for _, name := range Tokens(tmpl) {
		if _, ok := (Vars{}).Lookup(name); !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}
