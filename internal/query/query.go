// Package query implements the field-qualified predicate language used by
// saved alerts. A query is a conjunction of terms; each term is either bare
// text or qualified with a field name. Fields belong to one of two
// namespaces: case-level fields are shared by every filing under a docket,
// filing-level fields describe a single document. The distinction decides
// whether a predicate can be evaluated from a single filing event or only
// during a periodic sweep.
package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nazarbodak221/courtalerts/internal/model"
)

// Namespace identifies which logical level a field lives at.
type Namespace string

// Field namespaces.
const (
	NamespaceCase   Namespace = "case"
	NamespaceFiling Namespace = "filing"
)

// Known field names.
const (
	FieldCaseName       = "caseName"
	FieldCourt          = "court"
	FieldJudge          = "judge"
	FieldParty          = "party"
	FieldAttorney       = "attorney"
	FieldCites          = "cites"
	FieldDescription    = "description"
	FieldDocumentNumber = "documentNumber"
	FieldText           = "text"
)

var fieldNamespaces = map[string]Namespace{
	FieldCaseName:       NamespaceCase,
	FieldCourt:          NamespaceCase,
	FieldJudge:          NamespaceCase,
	FieldParty:          NamespaceCase,
	FieldAttorney:       NamespaceCase,
	FieldCites:          NamespaceCase,
	FieldDescription:    NamespaceFiling,
	FieldDocumentNumber: NamespaceFiling,
	FieldText:           NamespaceFiling,
}

// Term is one conjunct of a predicate. An empty Field means bare text that
// may match at either level.
type Term struct {
	Field string
	Value string
}

// Predicate is a parsed, validated alert query.
type Predicate struct {
	Terms []Term
}

var termRe = regexp.MustCompile(`([A-Za-z]+):"([^"]*)"|([A-Za-z]+):(\S+)|"([^"]*)"|(\S+)`)

// Parse parses a query string into a Predicate. Unknown field names are an
// error so that bad queries are caught at alert creation, not match time.
func Parse(q string) (*Predicate, error) {
	p := &Predicate{}
	for _, m := range termRe.FindAllStringSubmatch(q, -1) {
		var t Term
		switch {
		case m[1] != "":
			t = Term{Field: m[1], Value: m[2]}
		case m[3] != "":
			t = Term{Field: m[3], Value: m[4]}
		case m[5] != "":
			t = Term{Value: m[5]}
		default:
			t = Term{Value: m[6]}
		}
		if t.Field != "" {
			if _, ok := fieldNamespaces[t.Field]; !ok {
				return nil, fmt.Errorf("unknown query field %q", t.Field)
			}
		}
		if strings.TrimSpace(t.Value) == "" {
			continue
		}
		p.Terms = append(p.Terms, t)
	}
	if len(p.Terms) == 0 {
		return nil, fmt.Errorf("empty query")
	}
	return p, nil
}

// Validate checks a query string at alert creation/edit time. Beyond parse
// errors it rejects predicate shapes the per-event evaluator cannot honor:
// party/attorney values are absent from filing events, so combining them
// with filing-level text fields would silently half-evaluate in real time.
func Validate(q string) error {
	p, err := Parse(q)
	if err != nil {
		return err
	}
	if p.partyWithFilingText() {
		return fmt.Errorf("party/attorney terms cannot be combined with filing-level fields")
	}
	return nil
}

// Match reports whether all terms are satisfied by the document snapshot.
// Field values are matched case-insensitively as substrings; missing fields
// simply do not match, they never error.
func (p *Predicate) Match(doc *model.Document) bool {
	for _, t := range p.Terms {
		if !matchTerm(t, doc) {
			return false
		}
	}
	return true
}

// MatchedFilingField reports whether any filing-level term (or a bare term
// satisfied by a filing-level field) matches this document. It drives match
// provenance: a hit that needed only case-level state must not claim
// real-time eligibility.
func (p *Predicate) MatchedFilingField(doc *model.Document) bool {
	for _, t := range p.Terms {
		if t.Field != "" {
			if fieldNamespaces[t.Field] == NamespaceFiling && matchTerm(t, doc) {
				return true
			}
			continue
		}
		if containsFold(doc.Description, t.Value) ||
			containsFold(doc.DocumentNumber, t.Value) ||
			containsFold(doc.PlainText, t.Value) {
			return true
		}
	}
	return false
}

// Namespaces reports which field namespaces the predicate touches. Bare
// terms touch both, since they may be satisfied at either level.
func (p *Predicate) Namespaces() (caseLevel, filingLevel bool) {
	for _, t := range p.Terms {
		if t.Field == "" {
			return true, true
		}
		switch fieldNamespaces[t.Field] {
		case NamespaceCase:
			caseLevel = true
		case NamespaceFiling:
			filingLevel = true
		}
	}
	return caseLevel, filingLevel
}

// SweepOnly reports whether the predicate must be evaluated exclusively by
// the periodic sweep. True for legacy party/attorney + filing-text combos
// that Validate now rejects: they degrade to sweep-only rather than being
// partially evaluated per event.
func (p *Predicate) SweepOnly() bool {
	return p.partyWithFilingText()
}

func (p *Predicate) partyWithFilingText() bool {
	hasParty := false
	hasFiling := false
	for _, t := range p.Terms {
		switch t.Field {
		case FieldParty, FieldAttorney:
			hasParty = true
		case FieldDescription, FieldText, FieldDocumentNumber:
			hasFiling = true
		}
	}
	return hasParty && hasFiling
}

func matchTerm(t Term, doc *model.Document) bool {
	switch t.Field {
	case FieldCaseName:
		return containsFold(doc.CaseName, t.Value)
	case FieldCourt:
		return containsFold(doc.Court, t.Value)
	case FieldJudge:
		return containsFold(doc.Judge, t.Value)
	case FieldParty:
		return anyContainsFold(doc.Parties, t.Value)
	case FieldAttorney:
		return anyContainsFold(doc.Attorneys, t.Value)
	case FieldCites:
		return containsFold(doc.PlainText, t.Value)
	case FieldDescription:
		return containsFold(doc.Description, t.Value)
	case FieldDocumentNumber:
		return containsFold(doc.DocumentNumber, t.Value)
	case FieldText:
		return containsFold(doc.PlainText, t.Value)
	}
	// Bare term: match any text-bearing field at either level.
	return containsFold(doc.CaseName, t.Value) ||
		containsFold(doc.Court, t.Value) ||
		containsFold(doc.Judge, t.Value) ||
		anyContainsFold(doc.Parties, t.Value) ||
		anyContainsFold(doc.Attorneys, t.Value) ||
		containsFold(doc.Description, t.Value) ||
		containsFold(doc.DocumentNumber, t.Value) ||
		containsFold(doc.PlainText, t.Value)
}

func containsFold(haystack, needle string) bool {
	if haystack == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func anyContainsFold(values []string, needle string) bool {
	for _, v := range values {
		if containsFold(v, needle) {
			return true
		}
	}
	return false
}
