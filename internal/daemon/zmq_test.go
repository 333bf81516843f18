package daemon

import (
	"bytes"
	"testing"
)

func TestParseHashblock(t *testing.T) {
	hash := bytes.Repeat([]byte{0}, 32)
	hash[0] = 0xab
	hash[31] = 0x01

	tests := []struct {
		name    string
		parts   [][]byte
		want    string
		wantErr bool
	}{
		{
			name:  "valid",
			parts: [][]byte{[]byte("hashblock"), hash, {1, 0, 0, 0}},
			want:  "01" + string(bytes.Repeat([]byte("0"), 60)) + "ab",
		},
		{name: "too few parts", parts: [][]byte{[]byte("hashblock")}, wantErr: true},
		{name: "wrong topic", parts: [][]byte{[]byte("hashtx"), hash}, wantErr: true},
		{name: "short hash", parts: [][]byte{[]byte("hashblock"), {1, 2, 3}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseHashblock(tt.parts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseHashblock() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseHashblock() = %q, want %q", got, tt.want)
			}
		})
	}
}
