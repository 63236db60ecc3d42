package registry

import "testing"

func ptr(b bool) *bool { return &b }

func TestEffectiveAutoDevOps(t *testing.T) {
	cases := []struct {
		name                 string
		stack, scope, global *bool
		envDefault           bool
		want                 bool
	}{
		{"all nil, default false", nil, nil, nil, false, false},
		{"all nil, default true", nil, nil, nil, true, true},
		{"global wins over default", nil, nil, ptr(false), true, false},
		{"scope wins over global", nil, ptr(true), ptr(false), false, true},
		{"stack wins over everything", ptr(false), ptr(true), ptr(true), true, false},
		{"stack enable", ptr(true), ptr(false), ptr(false), false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EffectiveAutoDevOps(tc.stack, tc.scope, tc.global, tc.envDefault)
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}
