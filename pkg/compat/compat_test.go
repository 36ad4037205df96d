package compat_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spindate/matchd/pkg/compat"
	"github.com/spindate/matchd/pkg/profile"
)

func female(mutate ...func(*profile.Facts)) profile.Facts {
	f := profile.Facts{UserID: "f", Gender: profile.GenderFemale, Age: 30}
	for _, fn := range mutate {
		fn(&f)
	}
	return f
}

func male(mutate ...func(*profile.Facts)) profile.Facts {
	f := profile.Facts{UserID: "m", Gender: profile.GenderMale, Age: 32}
	for _, fn := range mutate {
		fn(&f)
	}
	return f
}

func TestMatchd_Compat_Compatible(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b profile.Facts
		want bool
	}{
		{
			name: "unrestricted opposite genders",
			a:    female(),
			b:    male(),
			want: true,
		},
		{
			name: "same gender",
			a:    female(),
			b:    female(),
			want: false,
		},
		{
			name: "missing gender",
			a:    female(func(f *profile.Facts) { f.Gender = "" }),
			b:    male(),
			want: false,
		},
		{
			name: "preference satisfied both ways",
			a:    female(func(f *profile.Facts) { f.Preference = profile.PreferenceMale }),
			b:    male(func(f *profile.Facts) { f.Preference = profile.PreferenceFemale }),
			want: true,
		},
		{
			name: "one side preference violated",
			a:    female(func(f *profile.Facts) { f.Preference = profile.PreferenceFemale }),
			b:    male(),
			want: false,
		},
		{
			name: "preference all is explicit wildcard",
			a:    female(func(f *profile.Facts) { f.Preference = profile.PreferenceAll }),
			b:    male(),
			want: true,
		},
		{
			name: "age inside both ranges",
			a:    female(func(f *profile.Facts) { f.AgeMin, f.AgeMax = 30, 40 }),
			b:    male(func(f *profile.Facts) { f.AgeMin, f.AgeMax = 25, 35 }),
			want: true,
		},
		{
			name: "age at range boundary",
			a:    female(func(f *profile.Facts) { f.AgeMin = 32 }),
			b:    male(),
			want: true,
		},
		{
			name: "partner too young",
			a:    female(func(f *profile.Facts) { f.AgeMin = 33 }),
			b:    male(),
			want: false,
		},
		{
			name: "partner too old",
			a:    female(func(f *profile.Facts) { f.AgeMax = 31 }),
			b:    male(),
			want: false,
		},
		{
			name: "zero bounds are unbounded",
			a:    female(func(f *profile.Facts) { f.Age = 99 }),
			b:    male(func(f *profile.Facts) { f.Age = 18 }),
			want: true,
		},
		{
			name: "overlapping cities",
			a:    female(func(f *profile.Facts) { f.Cities = []string{"berlin", "hamburg"} }),
			b:    male(func(f *profile.Facts) { f.Cities = []string{"hamburg"} }),
			want: true,
		},
		{
			name: "disjoint cities",
			a:    female(func(f *profile.Facts) { f.Cities = []string{"berlin"} }),
			b:    male(func(f *profile.Facts) { f.Cities = []string{"munich"} }),
			want: false,
		},
		{
			name: "empty city list matches anywhere",
			a:    female(),
			b:    male(func(f *profile.Facts) { f.Cities = []string{"munich"} }),
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, compat.Compatible(tt.a, tt.b))

			// The check is symmetric.
			require.Equal(t, tt.want, compat.Compatible(tt.b, tt.a))
		})
	}
}
