package rpc

import "testing"

func TestAddRefOptionsBuildDestChannel(t *testing.T) {
	cases := []struct {
		name string
		opts AddRefOptions
		want bool
	}{
		{"normal alone implies dest channel", AddRefNormal, true},
		{"optimistic alone implies dest channel", AddRefOptimistic, true},
		{"explicit dest route flag", AddRefBuildDestinationRoute, true},
		{"caller route only does not imply dest channel", AddRefBuildCallerRoute, false},
		{"both flags set", AddRefBuildDestinationRoute | AddRefBuildCallerRoute, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.opts.BuildDestChannel(); got != c.want {
				t.Errorf("BuildDestChannel() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestAddRefOptionsBuildCallerChannel(t *testing.T) {
	if (AddRefNormal).BuildCallerChannel() {
		t.Error("normal options should not request a caller channel")
	}
	if !(AddRefBuildCallerRoute).BuildCallerChannel() {
		t.Error("explicit caller route flag should request a caller channel")
	}
}

func TestAddRefOptionsWithoutCallerChannel(t *testing.T) {
	opts := AddRefBuildDestinationRoute | AddRefBuildCallerRoute
	stripped := opts.WithoutCallerChannel()
	if stripped.BuildCallerChannel() {
		t.Error("WithoutCallerChannel should clear the caller route flag")
	}
	if !stripped.BuildDestChannel() {
		t.Error("WithoutCallerChannel should preserve the destination route flag")
	}
}

func TestReleaseOptionsOptimistic(t *testing.T) {
	if ReleaseNormal.Optimistic() {
		t.Error("ReleaseNormal should not be optimistic")
	}
	if !ReleaseOptimistic.Optimistic() {
		t.Error("ReleaseOptimistic should be optimistic")
	}
}
