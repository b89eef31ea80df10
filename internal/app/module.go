package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/atelierhq/atelier/internal/app/api/server"
	"github.com/atelierhq/atelier/internal/app/service/backfill"
	"github.com/atelierhq/atelier/internal/app/service/cancellation"
	"github.com/atelierhq/atelier/internal/app/service/notification"
	"github.com/atelierhq/atelier/internal/app/service/ragquery"
	"github.com/atelierhq/atelier/internal/app/service/webhook"
	"github.com/atelierhq/atelier/internal/platform/ai"
	"github.com/atelierhq/atelier/internal/platform/db"
	"github.com/atelierhq/atelier/internal/platform/stripeapi"
	"github.com/atelierhq/atelier/internal/store"
	"github.com/atelierhq/atelier/pkg/config"
	"github.com/atelierhq/atelier/pkg/logger"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	store.Module,
	ai.Module,
	stripeapi.Module,
	notification.Module,
	ragquery.Module,
	webhook.Module,
	cancellation.Module,
	backfill.Module,
	server.Module,
)
