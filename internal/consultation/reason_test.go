package consultation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "forca maior", Normalize("  Força   Maior "))
	assert.Equal(t, "forca maior", Normalize("FORCA_MAIOR"))
	assert.Equal(t, "nao compareceu", Normalize("Não-compareceu"))
	assert.Equal(t, "", Normalize("   "))
}

func TestParseLegacyReason(t *testing.T) {
	tests := []struct {
		text string
		want ReasonKind
	}{
		{"", ReasonKindNone},
		{"Motivo de força maior", ReasonKindForceMajeure},
		{"Internação hospitalar do paciente", ReasonKindForceMajeure},
		{"Descumprimento dos termos de uso", ReasonKindBreach},
		{"Quebra de contrato e falecimento", ReasonKindForceMajeure},
		{"não posso mais", ReasonKindOther},
	}
	for _, tt := range tests {
		got := ParseLegacyReason(tt.text)
		assert.Equal(t, tt.want, got.Kind, tt.text)
		if tt.want != ReasonKindNone {
			assert.Equal(t, tt.text, got.Detail)
		}
	}
}
