package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hotelier/internal/audit"
	"github.com/smallbiznis/hotelier/internal/clock"
	"github.com/smallbiznis/hotelier/internal/config"
	"github.com/smallbiznis/hotelier/internal/creditnote"
	"github.com/smallbiznis/hotelier/internal/invoice"
	"github.com/smallbiznis/hotelier/internal/migration"
	"github.com/smallbiznis/hotelier/internal/observability"
	"github.com/smallbiznis/hotelier/internal/providers"
	"github.com/smallbiznis/hotelier/internal/ratelimit"
	"github.com/smallbiznis/hotelier/internal/resolution"
	"github.com/smallbiznis/hotelier/internal/scheduler"
	"github.com/smallbiznis/hotelier/internal/sequence"
	"github.com/smallbiznis/hotelier/internal/server"
	"github.com/smallbiznis/hotelier/internal/submission"
	"github.com/smallbiznis/hotelier/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Fiscal domain
		audit.Module,
		resolution.Module,
		sequence.Module,
		invoice.Module,
		providers.Module,
		submission.Module,
		creditnote.Module,

		// Surfaces
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
