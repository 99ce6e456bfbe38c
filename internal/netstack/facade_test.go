package netstack

import "testing"

func TestNetMaskBits(t *testing.T) {
	tests := []struct {
		mask []byte
		want int
	}{
		{[]byte{255, 255, 255, 0}, 24},
		{[]byte{255, 255, 0, 0}, 16},
		{[]byte{255, 255, 255, 255}, 32},
		{[]byte{0, 0, 0, 0}, 0},
		{[]byte{255, 255, 254, 0}, 23},
	}
	for _, tt := range tests {
		got, err := netMaskBits(tt.mask)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != tt.want {
			t.Errorf("netMaskBits(%v) = %d, want %d", tt.mask, got, tt.want)
		}
	}
}
