package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelsWrapTheirClass(t *testing.T) {
	tests := []struct {
		err   error
		class error
	}{
		{ErrEmptyPool, ErrConfiguration},
		{ErrBadRatios, ErrConfiguration},
		{ErrMissingSource, ErrConfiguration},
		{ErrEmptySplit, ErrIntegrity},
		{ErrLeakage, ErrIntegrity},
		{ErrIdentityLoss, ErrIntegrity},
		{ErrEmptyClient, ErrIntegrity},
		{ErrPartialArtifact, ErrIntegrity},
		{ErrInsufficient, ErrIntegrity},
	}

	for _, tt := range tests {
		if !errors.Is(tt.err, tt.class) {
			t.Errorf("%v should wrap %v", tt.err, tt.class)
		}
		if got := Class(tt.err); got != tt.class {
			t.Errorf("Class(%v) = %v, want %v", tt.err, got, tt.class)
		}
	}
}

func TestClassThroughWrapping(t *testing.T) {
	err := fmt.Errorf("partition clients_10: %w", fmt.Errorf("%w: clients [3 4]", ErrEmptyClient))
	if !errors.Is(err, ErrEmptyClient) {
		t.Error("wrapped error lost ErrEmptyClient")
	}
	if Class(err) != ErrIntegrity {
		t.Errorf("expected integrity class, got %v", Class(err))
	}
}

func TestFormattedConstructors(t *testing.T) {
	if err := Configf("bad value %d", 3); Class(err) != ErrConfiguration {
		t.Errorf("Configf class = %v", Class(err))
	}
	if err := Integrityf("lost %d ids", 2); Class(err) != ErrIntegrity {
		t.Errorf("Integrityf class = %v", Class(err))
	}
	if Class(errors.New("plain")) != nil {
		t.Error("plain error should have no class")
	}
}
