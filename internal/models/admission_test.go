package models

import (
	"testing"
	"time"
)

func TestAdmitResult_RetryAfterSeconds(t *testing.T) {
	tests := []struct {
		name string
		res  AdmitResult
		want int
	}{
		{"window", AdmitResult{RetryAfter: 10 * time.Second}, 10},
		{"partial second rounds up", AdmitResult{RetryAfter: 9200 * time.Millisecond}, 10},
		{"circuit wins", AdmitResult{RetryAfter: 40 * time.Second, CircuitActive: true, CircuitTTL: 20 * time.Second}, 20},
		{"expiring circuit", AdmitResult{CircuitActive: true, CircuitTTL: 300 * time.Millisecond}, 1},
		{"zero", AdmitResult{}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.res.RetryAfterSeconds(); got != tt.want {
				t.Errorf("RetryAfterSeconds() = %d, want %d", got, tt.want)
			}
		})
	}
}
