package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func up(context.Context) Status { return Status{Healthy: true} }

func down(detail string) Checker {
	return func(context.Context) Status { return Status{Healthy: false, Detail: detail} }
}

func TestRegistryEmpty(t *testing.T) {
	report := NewRegistry().CheckAll(context.Background())
	assert.True(t, report.Healthy)
	assert.False(t, report.Degraded)
	assert.Empty(t, report.Checks)
}

func TestRegistry(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(r *Registry)
		wantHealthy  bool
		wantDegraded bool
	}{
		{
			name: "all up",
			setup: func(r *Registry) {
				r.Register("database", up)
				r.RegisterOptional("notifications", up)
			},
			wantHealthy: true,
		},
		{
			name: "optional down degrades",
			setup: func(r *Registry) {
				r.Register("database", up)
				r.RegisterOptional("notifications", down("broker unreachable"))
			},
			wantHealthy:  true,
			wantDegraded: true,
		},
		{
			name: "critical down is unhealthy",
			setup: func(r *Registry) {
				r.Register("database", down("connection refused"))
				r.RegisterOptional("notifications", up)
			},
			wantHealthy: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			tt.setup(r)
			report := r.CheckAll(context.Background())
			assert.Equal(t, tt.wantHealthy, report.Healthy)
			assert.Equal(t, tt.wantDegraded, report.Degraded)
			require.Len(t, report.Checks, 2)
			assert.Equal(t, "database", report.Checks[0].Name, "name defaults to registration name")
			assert.True(t, report.Checks[0].Critical)
			assert.False(t, report.Checks[1].Critical)
		})
	}
}

func TestRegistry_CheckTimeout(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Healthy: false, Detail: ctx.Err().Error()}
	})

	report := r.CheckAll(context.Background())
	assert.False(t, report.Healthy)
	assert.Equal(t, context.DeadlineExceeded.Error(), report.Checks[0].Detail)
}
