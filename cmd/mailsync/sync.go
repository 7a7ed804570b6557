package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/WUUUYT/redmine-email-system/internal/bridge"
	"github.com/WUUUYT/redmine-email-system/internal/config"
	"github.com/WUUUYT/redmine-email-system/internal/graphmail"
	"github.com/WUUUYT/redmine-email-system/internal/redmine"
)

// app holds the per-run collaborators. Everything is rebuilt on config
// reload; nothing is cached across passes except the watermark store.
type app struct {
	cfg        *config.Config
	watermarks bridge.WatermarkStore
	tickets    *redmine.Client
	mail       *graphmail.Client
	renderer   *bridge.NotificationRenderer
	logger     *log.Logger
}

func newAppFromEnv(cfg *config.Config) (*app, error) {
	watermarks, err := openWatermarkStoreFromEnv()
	if err != nil {
		return nil, err
	}
	return newApp(cfg, watermarks)
}

func openWatermarkStoreFromEnv() (bridge.WatermarkStore, error) {
	watermarks, err := bridge.OpenWatermarkStore(stringEnv("MAILSYNC_STATE_DSN", "file://data"))
	if err != nil {
		return nil, fmt.Errorf("open watermark store: %w", err)
	}
	return watermarks, nil
}

// newApp builds the config-derived collaborators around an already open
// watermark store. The store outlives every app value: the SQL backends
// hold a connection pool, so it is opened once per process, not per pass.
func newApp(cfg *config.Config, watermarks bridge.WatermarkStore) (*app, error) {
	tickets, err := redmine.NewClient(redmine.ClientOptions{
		BaseURL:    os.Getenv("MAILSYNC_REDMINE_URL"),
		APIKey:     os.Getenv("MAILSYNC_REDMINE_APIKEY"),
		MaxRetries: intEnv("MAILSYNC_MAX_RETRIES", 0),
		BaseDelay:  durationEnv("MAILSYNC_RETRY_BASE_DELAY", 0),
	})
	if err != nil {
		return nil, err
	}
	renderer, err := bridge.NewNotificationRenderer(tickets.BaseURL())
	if err != nil {
		return nil, err
	}
	mail := graphmail.NewClient(graphmail.ClientOptions{
		BaseURL:    os.Getenv("MAILSYNC_GRAPH_URL"),
		Mailbox:    cfg.Mailbox,
		Token:      graphmail.StaticTokenProvider(os.Getenv("MAILSYNC_GRAPH_TOKEN")),
		MaxRetries: intEnv("MAILSYNC_MAX_RETRIES", 0),
		BaseDelay:  durationEnv("MAILSYNC_RETRY_BASE_DELAY", 0),
	})
	return &app{
		cfg:        cfg,
		watermarks: watermarks,
		tickets:    tickets,
		mail:       mail,
		renderer:   renderer,
		logger:     log.Default(),
	}, nil
}

// runOnce performs one outbound then one inbound pass for every enabled
// project, sequentially. Outbound runs first so tickets created by the
// inbound pass cannot notify their own creator in the same invocation.
func (a *app) runOnce(ctx context.Context) error {
	for _, projectID := range a.cfg.EnabledProjects() {
		if err := a.runProject(ctx, projectID); err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
	}
	return nil
}

func (a *app) runProject(ctx context.Context, projectID string) error {
	project := a.cfg.Projects[projectID]
	spoolDir := filepath.Join(a.cfg.SpoolDir(), projectID)
	defer clearSpool(spoolDir, a.logger)

	filter, err := bridge.CompileIgnoreFilter(project.EmailIgnore)
	if err != nil {
		return err
	}

	outbound, err := bridge.NewOutboundEngine(bridge.OutboundEngineOptions{
		Project:    projectID,
		Tickets:    a.tickets,
		Notifier:   a.mail,
		Renderer:   a.renderer,
		Watermarks: a.watermarks,
		Rules:      a.cfg.NotificationRules,
		Lookback:   a.cfg.LookbackWindow(),
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	if err := outbound.RunPass(ctx); err != nil {
		return err
	}

	inbound, err := bridge.NewInboundEngine(bridge.InboundEngineOptions{
		Project:    projectID,
		Mail:       a.mail,
		Tickets:    a.tickets,
		Notifier:   a.mail,
		Renderer:   a.renderer,
		Watermarks: a.watermarks,
		Filter:     filter,
		Defaults:   project.CreateDefault,
		SpoolDir:   spoolDir,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}
	return inbound.RunPass(ctx)
}

// clearSpool removes downloaded attachments once the pass that spooled
// them is over; the tracker holds the durable copies.
func clearSpool(dir string, logger *log.Logger) {
	if err := os.RemoveAll(dir); err != nil {
		logger.Printf("clear spool %s: %v", dir, err)
	}
}

// watchLoop runs a pass on the configured interval and reloads the config
// whenever the file changes. A config that fails to load keeps the
// previous one running.
func watchLoop(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	watermarks, err := openWatermarkStoreFromEnv()
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		return err
	}
	configAbs, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	for {
		app, err := newApp(cfg, watermarks)
		if err != nil {
			return err
		}
		if err := app.runOnce(ctx); err != nil {
			log.Printf("pass failed: %v", err)
		}

		timer := time.NewTimer(cfg.LookbackWindow())
	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case event := <-watcher.Events:
				eventAbs, absErr := filepath.Abs(event.Name)
				if absErr != nil || eventAbs != configAbs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				reloaded, loadErr := config.Load(configPath)
				if loadErr != nil {
					log.Printf("config reload rejected: %v", loadErr)
					continue
				}
				log.Printf("config reloaded from %s", configPath)
				cfg = reloaded
			case watchErr := <-watcher.Errors:
				log.Printf("config watch: %v", watchErr)
			case <-timer.C:
				break wait
			}
		}
	}
}
