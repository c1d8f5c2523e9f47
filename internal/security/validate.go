package security

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	ErrInputTooLong = errors.New("security: input too long")
	ErrUnsafeInput  = errors.New("security: input contains injection pattern")
)

// injectionPatterns are matched case-insensitively as substrings.
var injectionPatterns = []string{
	"<script", "javascript:", "onerror=", "onload=",
	"eval(", "exec(", "system(", "<?php", "${", "$(", "`",
}

// ValidateInput rejects text longer than maxLength runes or containing a
// known script or shell injection marker.
func ValidateInput(text string, maxLength int) error {
	if n := utf8.RuneCountInString(text); n > maxLength {
		return fmt.Errorf("%w: %d > %d", ErrInputTooLong, n, maxLength)
	}
	lower := strings.ToLower(text)
	for _, p := range injectionPatterns {
		if strings.Contains(lower, p) {
			return fmt.Errorf("%w: %q", ErrUnsafeInput, p)
		}
	}
	return nil
}
