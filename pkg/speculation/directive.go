package speculation

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Mode string

const (
	// Prefetch downloads the page without rendering it.
	Prefetch Mode = "prefetch"
	// Prerender downloads and renders the page.
	Prerender Mode = "prerender"
)

// Eagerness orders how proactively a directive is acted on.
type Eagerness int

const (
	Conservative Eagerness = iota
	Moderate
	Eager
)

var eagernessNames = []string{"conservative", "moderate", "eager"}

func (e Eagerness) String() string {
	if e < Conservative || e > Eager {
		return fmt.Sprintf("eagerness(%d)", int(e))
	}
	return eagernessNames[e]
}

func ParseEagerness(name string) (Eagerness, error) {
	for i, n := range eagernessNames {
		if strings.EqualFold(n, name) {
			return Eagerness(i), nil
		}
	}
	return Conservative, fmt.Errorf("unknown eagerness %q", name)
}

func (e Eagerness) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Eagerness) UnmarshalText(text []byte) error {
	parsed, err := ParseEagerness(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Directive asks the host to speculatively load URLs.
type Directive struct {
	URLs      []string  `json:"urls"`
	Mode      Mode      `json:"mode"`
	Eagerness Eagerness `json:"eagerness"`
}

func (d Directive) clone() Directive {
	d.URLs = append([]string(nil), d.URLs...)
	return d
}

func cloneAll(directives []Directive) []Directive {
	if directives == nil {
		return nil
	}
	out := make([]Directive, len(directives))
	for i, d := range directives {
		out[i] = d.clone()
	}
	return out
}

type rule struct {
	Source    string   `json:"source"`
	URLs      []string `json:"urls"`
	Eagerness string   `json:"eagerness"`
}

type rules struct {
	Prefetch  []rule `json:"prefetch,omitempty"`
	Prerender []rule `json:"prerender,omitempty"`
}

// RulesJSON renders directives as a speculation rules document, as consumed
// by <script type="speculationrules">.
func RulesJSON(directives []Directive) ([]byte, error) {
	var doc rules
	for _, d := range directives {
		if len(d.URLs) == 0 {
			continue
		}
		r := rule{Source: "list", URLs: d.URLs, Eagerness: d.Eagerness.String()}
		switch d.Mode {
		case Prerender:
			doc.Prerender = append(doc.Prerender, r)
		case Prefetch:
			doc.Prefetch = append(doc.Prefetch, r)
		default:
			return nil, fmt.Errorf("unknown speculation mode %q", d.Mode)
		}
	}
	return json.Marshal(doc)
}
