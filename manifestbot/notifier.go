package manifestbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const (
	postgresNotifyChannelRuntimeConfigUpdated = "manifestbot_runtime_config_updated"
	postgresNotifyChannelStop                 = "manifestbot_stop"
)

var (
	dbNotifierSendTimeout   = 5 * time.Second
	dbNotifierRetryInterval = 5 * time.Second
)

// DBNotifier notifies bot instances sharing a database of runtime config
// changes and stop requests.
type DBNotifier interface {
	RuntimeConfigChannelName() string

	// ReloadRuntimeConfig tells other bot instances to reload their
	// runtime config from the DB
	ReloadRuntimeConfig(context.Context) bool

	StopChannelName() string

	// Stop stops this bot, and sends a stop signal to other bot instances.
	// It returns false if this bot couldn't be signaled to stop.
	Stop(context.Context) bool

	// ID identifies this notifier, so it can ignore its own notifications
	ID() string

	// Listen blocks, handling notifications received on the given
	// channel until ctx is canceled
	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(d *ManifestBot) (DBNotifier, error) {
	id := uuid.NewString()
	logger := d.logger.With(loggerNameKey, "db_notifier", "notifier_id", id)
	switch d.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{bot: d, logger: logger, id: id}, nil
	case dbTypePostgres:
		return &postgresNotifier{bot: d, logger: logger, id: id}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteNotifier is used with sqlite, where only one bot instance uses
// the database. Runtime config changes are already applied locally, and
// other changes are picked up by the RuntimeConfigTTL refresh.
type sqliteNotifier struct {
	bot    *ManifestBot
	logger *slog.Logger
	id     string
}

func (sqliteNotifier) RuntimeConfigChannelName() string {
	return ""
}

func (sqliteNotifier) StopChannelName() string {
	return ""
}

func (s *sqliteNotifier) ID() string {
	return s.id
}

func (s *sqliteNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	s.logger.DebugContext(ctx, "runtime config updated")
	return true
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.InfoContext(ctx, "sending stop signal")
	return s.bot.Stop()
}

func (s *sqliteNotifier) Listen(ctx context.Context, channel string) error {
	s.logger.DebugContext(ctx, "listener called", "channel", channel)
	return nil
}

// postgresNotifier sends and receives notifications with postgres
// LISTEN/NOTIFY, using this notifier's ID as the payload.
type postgresNotifier struct {
	bot    *ManifestBot
	logger *slog.Logger
	id     string
}

func (postgresNotifier) RuntimeConfigChannelName() string {
	return postgresNotifyChannelRuntimeConfigUpdated
}

func (postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (p *postgresNotifier) notify(ctx context.Context, channel string) error {
	if p.bot.db == nil {
		return errors.New("database not initialized")
	}
	return p.bot.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", channel, p.id).Error
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	if err := p.notify(ctx, p.RuntimeConfigChannelName()); err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY to reload runtime config", tint.Err(err))
		return false
	}
	p.logger.InfoContext(ctx, "sent runtime config refresh notification")
	return true
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	if err := p.notify(ctx, p.StopChannelName()); err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY to stop", tint.Err(err))
	} else {
		p.logger.InfoContext(ctx, "sent stop notification")
	}
	return p.bot.Stop()
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "starting db listener")

	config, err := pgxpool.ParseConfig(p.bot.config.Database)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	logger.InfoContext(ctx, "listening for notifications")

	for ctx.Err() == nil {
		notification, waitErr := conn.Conn().WaitForNotification(ctx)
		if waitErr != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(waitErr))
			select {
			case <-ctx.Done():
			case <-time.After(dbNotifierRetryInterval):
			}
			continue
		}
		p.handleNotification(ctx, notification.Channel, notification.Payload)
	}
	return nil
}

// handleNotification forwards a notification from another bot instance
// to the runtime config refresher or the stop signal
func (p *postgresNotifier) handleNotification(ctx context.Context, channel, payload string) {
	logger := p.logger.With("channel", channel, "payload", payload)
	if payload == p.id {
		logger.DebugContext(ctx, "received notification from self, ignoring")
		return
	}

	switch channel {
	case p.RuntimeConfigChannelName():
		logger.InfoContext(ctx, "received notification for runtime config update")
		select {
		case p.bot.triggerRuntimeConfigRefreshCh <- true:
			logger.DebugContext(ctx, "sent runtime config refresh signal")
		case <-time.After(dbNotifierSendTimeout):
			logger.WarnContext(ctx, "timed out sending runtime config refresh signal")
		case <-ctx.Done():
		}
	case p.StopChannelName():
		logger.WarnContext(ctx, "received stop notification")
		if !p.bot.Stop() {
			logger.WarnContext(ctx, "stop signal not sent")
		}
	default:
		logger.WarnContext(ctx, "received unknown notification")
	}
}
