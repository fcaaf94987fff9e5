package models

import "testing"

func TestDOIFromMSID(t *testing.T) {
	tests := []struct {
		msid int64
		want string
	}{
		{1, "10.7554/eLife.00001"},
		{5522, "10.7554/eLife.05522"},
		{95522, "10.7554/eLife.95522"},
		{195522, "10.7554/eLife.195522"},
	}
	for _, tt := range tests {
		if got := DOIFromMSID(tt.msid); got != tt.want {
			t.Errorf("DOIFromMSID(%d) = %q, erwartet %q", tt.msid, got, tt.want)
		}
	}
}

func TestMSIDFromDOI(t *testing.T) {
	tests := []struct {
		doi     string
		want    int64
		wantErr bool
	}{
		{"10.7554/eLife.00001", 1, false},
		{"10.7554/eLife.05522", 5522, false},
		{"10.7554/eLife.195522", 195522, false},
		{"10.1101/2021.01.01.425001", 0, true},
		{"10.7554/eLife.", 0, true},
		{"10.7554/eLife.00000", 0, true},
		{"10.7554/eLife.abc", 0, true},
	}
	for _, tt := range tests {
		got, err := MSIDFromDOI(tt.doi)
		if tt.wantErr {
			if err == nil {
				t.Errorf("MSIDFromDOI(%q): fehler erwartet", tt.doi)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("MSIDFromDOI(%q) = %d, %v; erwartet %d", tt.doi, got, err, tt.want)
		}
	}
}

func TestDOIRoundtrip(t *testing.T) {
	for _, msid := range []int64{1, 42, 5522, 99999, 100000} {
		got, err := MSIDFromDOI(DOIFromMSID(msid))
		if err != nil || got != msid {
			t.Errorf("roundtrip für %d: %d, %v", msid, got, err)
		}
	}
}
