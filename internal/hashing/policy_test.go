package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateStrength(t *testing.T) {
	tests := []struct {
		name     string
		password string
		valid    bool
		contains string
	}{
		{"too short", "short", false, "password too short"},
		{"no upper", "lowercase-only-42", false, "password must contain an uppercase letter"},
		{"no lower", "UPPERCASE-ONLY-42", false, "password must contain a lowercase letter"},
		{"no digit", "No-Digits-Here!", false, "password must contain a digit"},
		{"no special", "NoSpecials12345", false, "password must contain a special character"},
		{"weak pattern", "MyPassword-2024!", false, "password contains a common weak pattern"},
		{"weak pattern case insensitive", "QWERTY-Zebra-9x", false, "password contains a common weak pattern"},
		{"strong", "Tr0ub4dor&3-Horse", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateStrength(tt.password)
			assert.Equal(t, tt.valid, res.Valid)
			if tt.contains != "" {
				assert.Contains(t, res.Errors, tt.contains)
			} else {
				assert.Empty(t, res.Errors)
			}
			assert.GreaterOrEqual(t, res.Score, 0)
			assert.LessOrEqual(t, res.Score, 100)
		})
	}
}

func TestStrengthScoreOrdering(t *testing.T) {
	weak := ValidateStrength("abc")
	medium := ValidateStrength("abcdefgh1234")
	strong := ValidateStrength("Zx9!vQ#2mL@7pR$4")

	assert.Less(t, weak.Score, medium.Score)
	assert.Less(t, medium.Score, strong.Score)
	assert.Equal(t, 100, strong.Score)
}

func TestWeakPatternLowersScore(t *testing.T) {
	clean := ValidateStrength("Zebra-Crossing-91")
	weak := ValidateStrength("Dragon-Crossing-91")
	assert.Less(t, weak.Score, clean.Score)
}
