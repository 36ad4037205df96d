// Package compat decides whether two users can be paired.
package compat

import "github.com/spindate/matchd/pkg/profile"

// Compatible reports whether a and b may be paired: opposite genders, both
// gender preferences satisfied, mutual age ranges, and overlapping cities
// (an empty city list matches anywhere). The check is symmetric. Match
// history and user state are the engine's concern, not this package's.
func Compatible(a, b profile.Facts) bool {
	if !oppositeGenders(a.Gender, b.Gender) {
		return false
	}
	if !prefersGender(a.Preference, b.Gender) || !prefersGender(b.Preference, a.Gender) {
		return false
	}
	if !inAgeRange(a.Age, b.AgeMin, b.AgeMax) || !inAgeRange(b.Age, a.AgeMin, a.AgeMax) {
		return false
	}
	return citiesOverlap(a.Cities, b.Cities)
}

func oppositeGenders(a, b profile.Gender) bool {
	return (a == profile.GenderMale && b == profile.GenderFemale) ||
		(a == profile.GenderFemale && b == profile.GenderMale)
}

func prefersGender(p profile.Preference, g profile.Gender) bool {
	switch p {
	case profile.PreferenceAll, "":
		return true
	case profile.PreferenceMale:
		return g == profile.GenderMale
	case profile.PreferenceFemale:
		return g == profile.GenderFemale
	default:
		return false
	}
}

// inAgeRange checks age against a [lo, hi] range where 0 leaves that side
// unbounded.
func inAgeRange(age, lo, hi int) bool {
	if lo > 0 && age < lo {
		return false
	}
	if hi > 0 && age > hi {
		return false
	}
	return true
}

func citiesOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	seen := make(map[string]struct{}, len(a))
	for _, c := range a {
		seen[c] = struct{}{}
	}
	for _, c := range b {
		if _, ok := seen[c]; ok {
			return true
		}
	}
	return false
}
