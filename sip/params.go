package sip

import (
	"strings"

	"github.com/softsip/softsip/internal/util"
)

type param struct {
	name     string
	value    string
	hasValue bool
	quoted   bool
}

// Params is an ordered collection of parameters with case-insensitive
// names. It backs URI parameters, header parameters and credential
// parameters; the three differ only in separators and quoting, which
// the render helpers take as arguments.
type Params struct {
	items []param
}

// NewParams returns an empty parameter collection.
func NewParams() *Params { return &Params{} }

func (p *Params) find(name string) int {
	for i := range p.items {
		if util.EqFold(p.items[i].name, name) {
			return i
		}
	}
	return -1
}

// Add sets a name=value parameter, replacing an existing one.
func (p *Params) Add(name, value string) *Params {
	return p.put(param{name: name, value: value, hasValue: true})
}

// AddQuoted sets a name="value" parameter, replacing an existing one.
// The value is emitted inside double quotes.
func (p *Params) AddQuoted(name, value string) *Params {
	return p.put(param{name: name, value: value, hasValue: true, quoted: true})
}

// AddFlag sets a valueless parameter such as ";lr".
func (p *Params) AddFlag(name string) *Params {
	return p.put(param{name: name})
}

func (p *Params) put(item param) *Params {
	if i := p.find(item.name); i >= 0 {
		p.items[i] = item
	} else {
		p.items = append(p.items, item)
	}
	return p
}

// Get returns the value of the named parameter. Flag parameters report
// present with an empty value.
func (p *Params) Get(name string) (value string, ok bool) {
	if p == nil {
		return "", false
	}
	if i := p.find(name); i >= 0 {
		return p.items[i].value, true
	}
	return "", false
}

// Has reports whether the named parameter is present.
func (p *Params) Has(name string) bool {
	return p != nil && p.find(name) >= 0
}

// Remove deletes the named parameter if present.
func (p *Params) Remove(name string) {
	if p == nil {
		return
	}
	if i := p.find(name); i >= 0 {
		p.items = append(p.items[:i], p.items[i+1:]...)
	}
}

// Names returns parameter names in insertion order.
func (p *Params) Names() []string {
	if p == nil {
		return nil
	}
	names := make([]string, len(p.items))
	for i := range p.items {
		names[i] = p.items[i].name
	}
	return names
}

// Length returns the number of parameters.
func (p *Params) Length() int {
	if p == nil {
		return 0
	}
	return len(p.items)
}

// Clone returns a deep copy.
func (p *Params) Clone() *Params {
	if p == nil {
		return nil
	}
	p2 := &Params{items: make([]param, len(p.items))}
	copy(p2.items, p.items)
	return p2
}

// Equal reports whether both collections hold the same parameters,
// ignoring order and name case. Parameter values compare
// case-insensitively; SIP parameter values are tokens or quoted
// strings whose comparison rules are applied by the owning type.
func (p *Params) Equal(other *Params) bool {
	if p.Length() != other.Length() {
		return false
	}
	if p == nil {
		return true
	}
	for _, item := range p.items {
		i := other.find(item.name)
		if i < 0 {
			return false
		}
		o := other.items[i]
		if item.hasValue != o.hasValue || !util.EqFold(item.value, o.value) {
			return false
		}
	}
	return true
}

// Render writes the parameters joined by sep, each prefixed by sep for
// ';'-separated lists or joined infix for ','-separated credential
// lists (prefix=false).
func (p *Params) Render(sb *strings.Builder, sep byte, prefix bool) {
	if p == nil {
		return
	}
	for i, item := range p.items {
		if prefix || i > 0 {
			sb.WriteByte(sep)
			if sep == ',' {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(item.name)
		if item.hasValue {
			sb.WriteByte('=')
			if item.quoted {
				sb.WriteByte('"')
				sb.WriteString(escapeQuoted(item.value))
				sb.WriteByte('"')
			} else {
				sb.WriteString(item.value)
			}
		}
	}
}

// String renders the parameters as a ';'-prefixed list, the most
// common header form.
func (p *Params) String() string {
	var sb strings.Builder
	p.Render(&sb, ';', true)
	return sb.String()
}

func escapeQuoted(s string) string {
	if !strings.ContainsAny(s, `"\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
