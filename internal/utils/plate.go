package utils

import (
	"regexp"
	"strings"
)

// PlateWhitelist is the character set handed to the text extractor.
const PlateWhitelist = "ABCDEFGHJKLMNPQRSTVWXYZ0123456789-"

// PlateLength is the number of significant characters in a LL-NNN-LL plate.
const PlateLength = 7

var platePattern = regexp.MustCompile(`^([A-Z]{2})([0-9]{3})([A-Z]{2})$`)

var (
	letterPositions = []int{0, 1, 5, 6}
	digitPositions  = []int{2, 3, 4}

	digitToLetter = map[byte]byte{'8': 'B', '5': 'S', '2': 'Z', '4': 'A', '6': 'G', '0': 'D'}
	letterToDigit = map[byte]byte{'B': '8', 'S': '5', 'Z': '2', 'A': '4', 'G': '6', 'Q': '0', 'D': '0'}
)

// CleanPlate upper-cases raw and drops everything that is not an ASCII letter or digit.
func CleanPlate(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToUpper(raw) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FixPlateFormat remaps digit/letter homoglyphs to the class each position requires.
// It returns false when clean does not have exactly PlateLength characters.
func FixPlateFormat(clean string) (string, bool) {
	if len(clean) != PlateLength {
		return "", false
	}

	l := []byte(clean)
	for _, i := range letterPositions {
		if c, ok := digitToLetter[l[i]]; ok {
			l[i] = c
		}
	}
	for _, i := range digitPositions {
		if c, ok := letterToDigit[l[i]]; ok {
			l[i] = c
		}
	}
	return string(l), true
}

// FormatPlate validates a remapped plate and returns its hyphenated form.
func FormatPlate(fixed string) (string, bool) {
	m := platePattern.FindStringSubmatch(fixed)
	if m == nil {
		return "", false
	}
	return m[1] + "-" + m[2] + "-" + m[3], true
}

// NormalizePlate turns raw OCR or user input into the canonical LL-NNN-LL form.
// An empty result means the input cannot be a plate.
func NormalizePlate(raw string) string {
	fixed, ok := FixPlateFormat(CleanPlate(raw))
	if !ok {
		return ""
	}
	plate, ok := FormatPlate(fixed)
	if !ok {
		return ""
	}
	return plate
}
