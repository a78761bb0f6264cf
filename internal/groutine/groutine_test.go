package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGo_PropagatesName(t *testing.T) {
	got := make(chan string, 1)
	//nolint:staticcheck // nil parent context is part of the contract
	Go(nil, "scanner-timer", func(ctx context.Context) {
		got <- Name(ctx)
	})

	select {
	case name := <-got:
		assert.Equal(t, "scanner-timer", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestName_Missing(t *testing.T) {
	assert.Equal(t, "", Name(context.Background()))
	//nolint:staticcheck
	assert.Equal(t, "", Name(nil))
}
