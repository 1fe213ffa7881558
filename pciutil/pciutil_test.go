package pciutil

import "testing"

func TestParseHex(t *testing.T) {
	cases := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{in: "0x144d", want: 0x144d},
		{in: "144d", want: 0x144d},
		{in: "0x0000a808\n", want: 0xa808},
		{in: "  0x10  ", want: 0x10},
		{in: "not-hex", wantErr: true},
	}

	for _, c := range cases {
		got, err := ParseHex(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseHex(%q): expected an error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseHex(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseHex(%q) = %#x, want %#x", c.in, got, c.want)
		}
	}
}
