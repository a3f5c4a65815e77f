package api

import (
	"context"
	"time"

	"github.com/hellofresh/health-go/v4"
	"github.com/hellofresh/health-go/v4/checks/postgres"
)

const (
	livenessPath  = "/health/liveness"
	readinessPath = "/health/readiness"
)

// healthController 存活与就绪探针
type healthController struct {
	liveness  *health.Health
	readiness *health.Health
}

func newHealthController(store, bank Pinger, postgresDSN string) (*healthController, error) {
	component := health.WithComponent(health.Component{Name: "deadswitch", Version: "v1"})

	liveness, err := health.New(component)
	if err != nil {
		return nil, err
	}

	var checks []health.Config
	if store != nil {
		checks = append(checks, health.Config{
			Name:    "store",
			Timeout: 5 * time.Second,
			Check:   pingCheck(store),
		})
	}
	if bank != nil {
		// 节点短暂不可用时开关状态仍可读取
		checks = append(checks, health.Config{
			Name:      "bank",
			Timeout:   10 * time.Second,
			SkipOnErr: true,
			Check:     pingCheck(bank),
		})
	}
	if postgresDSN != "" {
		checks = append(checks, health.Config{
			Name:      "postgresql",
			Timeout:   10 * time.Second,
			SkipOnErr: true,
			Check:     postgres.New(postgres.Config{DSN: postgresDSN}),
		})
	}

	readiness, err := health.New(component, health.WithChecks(checks...))
	if err != nil {
		return nil, err
	}
	return &healthController{liveness: liveness, readiness: readiness}, nil
}

func pingCheck(p Pinger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}
