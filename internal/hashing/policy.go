package hashing

import (
	"strings"
	"unicode"
)

const MinPasswordLength = 12

// Substrings that mark a password as guessable regardless of its length
var weakPatterns = []string{
	"password", "123456", "qwerty", "letmein", "admin", "welcome",
	"abc123", "111111", "iloveyou", "monkey", "dragon",
}

type StrengthResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
	Score  int      `json:"score"`
}

// ValidateStrength checks a password against the password policy. The
// score is a 0-100 heuristic; it never reflects validity on its own.
func ValidateStrength(password string) StrengthResult {
	var errs []string

	length := len([]rune(password))
	if length < MinPasswordLength {
		errs = append(errs, "password too short")
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			special = true
		}
	}
	if !upper {
		errs = append(errs, "password must contain an uppercase letter")
	}
	if !lower {
		errs = append(errs, "password must contain a lowercase letter")
	}
	if !digit {
		errs = append(errs, "password must contain a digit")
	}
	if !special {
		errs = append(errs, "password must contain a special character")
	}

	lowered := strings.ToLower(password)
	weak := 0
	for _, p := range weakPatterns {
		if strings.Contains(lowered, p) {
			weak++
		}
	}
	if weak > 0 {
		errs = append(errs, "password contains a common weak pattern")
	}

	score := length * 4
	if score > 60 {
		score = 60
	}
	for _, present := range []bool{upper, lower, digit, special} {
		if present {
			score += 10
		}
	}
	score -= weak * 20
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return StrengthResult{
		Valid:  len(errs) == 0,
		Errors: errs,
		Score:  score,
	}
}
