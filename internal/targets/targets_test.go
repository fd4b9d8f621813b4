package targets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	tests := []struct {
		name    string
		hosts   []string
		exclude []string
		want    []string
	}{
		{
			name:  "literals and hostnames",
			hosts: []string{"10.0.0.1", "fd00::1", "Web.Example.com"},
			want:  []string{"10.0.0.1", "fd00::1", "web.example.com"},
		},
		{
			name:  "cidr drops network and broadcast",
			hosts: []string{"10.0.0.0/30"},
			want:  []string{"10.0.0.1", "10.0.0.2"},
		},
		{
			name:  "cidr /31 keeps both",
			hosts: []string{"10.0.0.0/31"},
			want:  []string{"10.0.0.0", "10.0.0.1"},
		},
		{
			name:  "single host cidr",
			hosts: []string{"10.0.0.7/32"},
			want:  []string{"10.0.0.7"},
		},
		{
			name:  "octet range",
			hosts: []string{"192.168.1.[1:3]"},
			want:  []string{"192.168.1.1", "192.168.1.2", "192.168.1.3"},
		},
		{
			name:  "two ranges",
			hosts: []string{"10.[0:1].0.[1:2]"},
			want:  []string{"10.0.0.1", "10.0.0.2", "10.1.0.1", "10.1.0.2"},
		},
		{
			name:    "exclusions and duplicates",
			hosts:   []string{"192.168.1.[1:5]", "192.168.1.2", "db.local"},
			exclude: []string{"192.168.1.[2:3]", "db.local"},
			want:    []string{"192.168.1.1", "192.168.1.4", "192.168.1.5"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Expand(tt.hosts, tt.exclude)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpandInvalid(t *testing.T) {
	invalid := []string{
		"",
		"10.0.0.300",
		"10.0.0.0/33",
		"10.0.0.0/8",
		"192.168.1.[5:1]",
		"192.168.1.[1:300]",
		"not a host!",
	}
	for _, entry := range invalid {
		t.Run(entry, func(t *testing.T) {
			_, err := Expand([]string{entry}, nil)
			assert.Error(t, err)
		})
	}

	_, err := Expand([]string{"10.0.0.1"}, []string{"bad host"})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]string{"10.0.0.1", "10.0.0.[1:9]", "host.example.com"}))
	assert.Error(t, Validate([]string{"10.0.0.1", "::g"}))
}
