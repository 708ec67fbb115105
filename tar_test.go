package e2factory

import "testing"

func TestTarType(t *testing.T) {
	cases := []struct {
		name      string
		want      string
		expectErr bool
	}{
		{name: "base.tar", want: "tar"},
		{name: "base.tar.gz", want: "tar.gz"},
		{name: "base.tgz", want: "tar.gz"},
		{name: "base.tar.bz2", want: "tar.bz2"},
		{name: "base.tar.xz", want: "tar.xz"},
		{name: "base.zip", expectErr: true},
		{name: "base", expectErr: true},
	}
	for _, tc := range cases {
		got, err := TarType(tc.name)
		if tc.expectErr {
			if err == nil {
				t.Errorf("%s: expected error, got %q", tc.name, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}
