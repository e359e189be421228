package consultation

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ReasonKind discriminates the Reason tagged union.
type ReasonKind string

const (
	ReasonKindNone         ReasonKind = ""
	ReasonKindForceMajeure ReasonKind = "force_majeure"
	ReasonKindBreach       ReasonKind = "breach"
	ReasonKindOther        ReasonKind = "other"
)

// Reason is the explicit cancellation reason supplied by callers. The
// resolver only looks at Kind; Detail is kept for audit.
type Reason struct {
	Kind   ReasonKind `json:"kind,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

// ForceMajeure builds a force-majeure reason.
func ForceMajeure(detail string) Reason { return Reason{Kind: ReasonKindForceMajeure, Detail: detail} }

// Breach builds a contractual-breach reason.
func Breach(detail string) Reason { return Reason{Kind: ReasonKindBreach, Detail: detail} }

// Other builds a free-text reason with no classification effect.
func Other(text string) Reason { return Reason{Kind: ReasonKindOther, Detail: text} }

// ============================================================================
// Legacy adapter
// ============================================================================
//
// Older clients send only free text. ParseLegacyReason classifies it at the
// system boundary so that the resolver never inspects text itself.

var forceMajeureKeywords = []string{
	"forca maior",
	"caso fortuito",
	"force majeure",
	"falecimento",
	"obito",
	"internacao",
	"hospitaliza",
	"acidente",
	"emergencia medica",
	"desastre",
	"enchente",
	"queda de energia",
}

var breachKeywords = []string{
	"quebra de contrato",
	"descumprimento",
	"violacao",
	"breach",
	"conduta inadequada",
	"assedio",
	"fraude",
	"termos de uso",
}

// ParseLegacyReason classifies free text into a Reason.
// Force majeure wins when both keyword families match.
func ParseLegacyReason(text string) Reason {
	n := Normalize(text)
	if n == "" {
		return Reason{}
	}
	for _, kw := range forceMajeureKeywords {
		if strings.Contains(n, kw) {
			return ForceMajeure(text)
		}
	}
	for _, kw := range breachKeywords {
		if strings.Contains(n, kw) {
			return Breach(text)
		}
	}
	return Other(text)
}

// Normalize lower-cases s, strips diacritics and collapses separators so
// "Força  Maior" and "forca_maior" compare equal.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.ToLower(out)
	out = strings.NewReplacer("_", " ", "-", " ").Replace(out)
	return strings.Join(strings.Fields(out), " ")
}
