package subscriber

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseReceiveCount(t *testing.T) {
	tests := []struct {
		name  string
		attrs map[string]string
		want  int
	}{
		{"first delivery", map[string]string{"ApproximateReceiveCount": "1"}, 1},
		{"redelivered", map[string]string{"ApproximateReceiveCount": "4"}, 4},
		{"attribute absent", map[string]string{}, 0},
		{"nil attributes", nil, 0},
		{"garbage value", map[string]string{"ApproximateReceiveCount": "soon"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseReceiveCount(tt.attrs))
		})
	}
}
