// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package pipeline wires the push handling components together: an encrypted
// envelope goes in, tray notifications come out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"github.com/gomuks/gomuks-push/pkg/avatar"
	"github.com/gomuks/gomuks-push/pkg/conversation"
	"github.com/gomuks/gomuks-push/pkg/notification"
	"github.com/gomuks/gomuks-push/pkg/notifid"
	"github.com/gomuks/gomuks-push/pkg/pushcrypto"
	"github.com/gomuks/gomuks-push/pkg/pushdata"
	"github.com/gomuks/gomuks-push/pkg/pushmetrics"
)

const shortcutTimeout = 30 * time.Second

// Config is the runtime configuration of the pipeline. It is replaced as a
// whole when the config file changes or the push token rotates.
type Config struct {
	ServerURL         string
	PushEncryptionKey []byte
	// ImageAuthToken is used for avatars when a push doesn't carry its own
	// image_auth token.
	ImageAuthToken string
	PushToken      string
}

type Params struct {
	Config    Config
	Store     *conversation.Store
	Avatars   *avatar.Cache
	Assembler *notification.Assembler
	IDs       *notifid.Table
	Tray      notification.Tray
	// Shortcuts is optional.
	Shortcuts notification.ShortcutRegistry
	// SaveToken is called with every new push token. Optional.
	SaveToken func(ctx context.Context, token string) error
}

type Pipeline struct {
	config    atomic.Pointer[Config]
	store     *conversation.Store
	avatars   *avatar.Cache
	assembler *notification.Assembler
	ids       *notifid.Table
	tray      notification.Tray
	shortcuts notification.ShortcutRegistry
	saveToken func(ctx context.Context, token string) error
	tokens    *TokenStream

	bgTasks sync.WaitGroup
	log     zerolog.Logger
}

func New(params Params, log zerolog.Logger) (*Pipeline, error) {
	if params.Tray == nil {
		return nil, fmt.Errorf("tray is required")
	} else if params.Avatars == nil {
		return nil, fmt.Errorf("avatar cache is required")
	}
	p := &Pipeline{
		store:     params.Store,
		avatars:   params.Avatars,
		assembler: params.Assembler,
		ids:       params.IDs,
		tray:      params.Tray,
		shortcuts: params.Shortcuts,
		saveToken: params.SaveToken,
		tokens:    NewTokenStream(),
		log:       log.With().Str("component", "push pipeline").Logger(),
	}
	if p.store == nil {
		p.store = conversation.NewStore(log)
	}
	if p.assembler == nil {
		p.assembler = notification.NewAssembler(log)
	}
	if p.ids == nil {
		p.ids = notifid.NewTable(log)
	}
	p.SetConfig(params.Config)
	if params.Config.PushToken != "" {
		p.tokens.Publish(params.Config.PushToken)
	}
	return p, nil
}

// Config returns the current configuration.
func (p *Pipeline) Config() Config {
	return *p.config.Load()
}

// SetConfig atomically replaces the configuration. Envelopes already being
// processed keep using the previous one.
func (p *Pipeline) SetConfig(cfg Config) {
	p.config.Store(&cfg)
}

// Tokens returns the push token stream.
func (p *Pipeline) Tokens() *TokenStream {
	return p.tokens
}

// Store returns the conversation store.
func (p *Pipeline) Store() *conversation.Store {
	return p.store
}

// Handle processes one envelope. Failures are logged and returned as a
// *PipelineError; the envelope is never retried.
func (p *Pipeline) Handle(ctx context.Context, env pushdata.Envelope) (err error) {
	start := time.Now()
	ctx = p.log.WithContext(ctx)
	defer func() {
		if panicErr := recover(); panicErr != nil {
			p.log.Error().
				Bytes(zerolog.ErrorStackFieldName, debug.Stack()).
				Any("panic", panicErr).
				Msg("Panic while handling push envelope")
			err = p.fail(ctx, StageProcessing, fmt.Errorf("panic: %v", panicErr))
		}
		outcome := string(StageDone)
		var pipeErr *PipelineError
		if errors.As(err, &pipeErr) {
			outcome = string(pipeErr.Stage)
		}
		pushmetrics.Envelopes.WithLabelValues(outcome).Inc()
		pushmetrics.EnvelopeDuration.Observe(time.Since(start).Seconds())
	}()

	cfg := p.Config()
	plaintext, err := pushcrypto.Decrypt(cfg.PushEncryptionKey, env.Payload)
	if err != nil {
		return p.fail(ctx, StageDecrypting, err)
	}
	data, err := pushdata.Decode(plaintext)
	if err != nil {
		return p.fail(ctx, StageDecoding, err)
	}
	if err = p.process(ctx, &cfg, data); err != nil {
		return p.fail(ctx, StageProcessing, err)
	}
	zerolog.Ctx(ctx).Debug().
		Int("dismiss_count", len(data.Dismiss)).
		Int("message_count", len(data.Messages)).
		Dur("duration", time.Since(start)).
		Msg("Handled push envelope")
	return nil
}

func (p *Pipeline) fail(ctx context.Context, stage Stage, err error) error {
	log := zerolog.Ctx(ctx)
	if pushcrypto.IsMissingKey(err) {
		log.Warn().Err(err).Msg("Dropping push envelope: push encryption key not configured")
	} else {
		log.Err(err).Str("stage", string(stage)).Msg("Dropping push envelope")
	}
	return &PipelineError{Stage: stage, Err: err}
}

func (p *Pipeline) process(ctx context.Context, cfg *Config, data *pushdata.PushData) error {
	var errs []error
	for _, dismiss := range data.Dismiss {
		if err := p.dismiss(ctx, dismiss.RoomID); err != nil {
			errs = append(errs, err)
		}
	}
	authToken := data.ImageAuthToken()
	if authToken == "" {
		authToken = cfg.ImageAuthToken
	}
	for i := range data.Messages {
		if err := p.handleMessage(ctx, cfg, &data.Messages[i], authToken); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) dismiss(ctx context.Context, roomID id.RoomID) error {
	hadThread := p.store.ApplyDismiss(roomID)
	notifID, err := p.ids.ID(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to get notification id for %s: %w", roomID, err)
	}
	if err = p.tray.Cancel(ctx, notifID); err != nil {
		return fmt.Errorf("failed to cancel notification for %s: %w", roomID, err)
	}
	pushmetrics.Notifications.WithLabelValues("cancel", "").Inc()
	zerolog.Ctx(ctx).Debug().
		Stringer("room_id", roomID).
		Int("notif_id", notifID).
		Bool("had_thread", hadThread).
		Msg("Dismissed notification")
	return nil
}

// resolvedImages are the images fetched for one message.
type resolvedImages struct {
	sender  *avatar.Image
	room    *avatar.Image
	picture *avatar.Image
}

func (p *Pipeline) resolveImages(ctx context.Context, cfg *Config, msg *pushdata.PushMessage, authToken string) resolvedImages {
	var out resolvedImages
	eg, egCtx := errgroup.WithContext(ctx)
	resolve := func(name string, dst **avatar.Image, fn func(ctx context.Context) *avatar.Image) {
		eg.Go(func() (err error) {
			defer func() {
				if panicErr := recover(); panicErr != nil {
					err = fmt.Errorf("panic while resolving %s: %v", name, panicErr)
				}
			}()
			*dst = fn(egCtx)
			return nil
		})
	}
	if msg.Sender.HasAvatar() {
		resolve("sender avatar", &out.sender, func(ctx context.Context) *avatar.Image {
			return p.avatars.Resolve(ctx, avatar.BuildURL(cfg.ServerURL, *msg.Sender.Avatar), authToken)
		})
	}
	if conversation.IsGroup(msg.RoomName, msg.Sender.DisplayName()) && msg.HasRoomAvatar() {
		resolve("room avatar", &out.room, func(ctx context.Context) *avatar.Image {
			return p.avatars.Resolve(ctx, avatar.BuildURL(cfg.ServerURL, *msg.RoomAvatar), authToken)
		})
	}
	if msg.HasImage() {
		resolve("picture", &out.picture, func(ctx context.Context) *avatar.Image {
			return p.avatars.FetchPicture(ctx, avatar.BuildURL(cfg.ServerURL, *msg.Image), authToken)
		})
	}
	if err := eg.Wait(); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to resolve notification images")
	}
	return out
}

func (p *Pipeline) handleMessage(ctx context.Context, cfg *Config, msg *pushdata.PushMessage, authToken string) error {
	log := zerolog.Ctx(ctx).With().
		Stringer("room_id", msg.RoomID).
		Stringer("event_id", msg.EventID).
		Logger()
	ctx = log.WithContext(ctx)

	gen := p.store.Generation(msg.RoomID)
	images := p.resolveImages(ctx, cfg, msg, authToken)
	if msg.HasImage() && images.picture == nil {
		log.Debug().Msg("Message image unavailable, posting text-only notification")
	}
	if _, ok := p.store.ApplyMessageSince(msg, conversation.NewPerson(msg.Sender, images.sender), gen); !ok {
		log.Debug().Msg("Room was dismissed while images were fetched, not posting")
		return nil
	}

	notifID, err := p.ids.ID(ctx, msg.RoomID)
	if err != nil {
		return fmt.Errorf("failed to get notification id for %s: %w", msg.RoomID, err)
	}
	thread, ok := p.store.Snapshot(msg.RoomID)
	if !ok {
		log.Debug().Msg("Room was dismissed while the message was processed, not posting")
		return nil
	}
	desc := p.assembler.Assemble(thread, notifID, notification.Params{
		RoomIcon: images.room,
		Picture:  images.picture,
	})
	if p.store.Generation(msg.RoomID) != gen {
		log.Debug().Msg("Room was dismissed while the notification was assembled, not posting")
		return nil
	}
	if p.shortcuts != nil {
		p.registerShortcut(ctx, p.assembler.Shortcut(thread, images.room))
	}
	if err = p.tray.Post(ctx, notifID, desc); err != nil {
		return fmt.Errorf("failed to post notification for %s: %w", msg.RoomID, err)
	}
	pushmetrics.Notifications.WithLabelValues("post", string(desc.Channel)).Inc()
	log.Debug().Int("notif_id", notifID).Str("channel", string(desc.Channel)).Msg("Posted notification")
	return nil
}

// registerShortcut registers the shortcut in the background. Failures only
// cost the conversation its shortcut, so they are logged and counted.
func (p *Pipeline) registerShortcut(ctx context.Context, shortcut notification.Shortcut) {
	log := zerolog.Ctx(ctx).With().Str("shortcut_id", shortcut.ID).Logger()
	p.bgTasks.Add(1)
	go func() {
		defer p.bgTasks.Done()
		defer func() {
			if panicErr := recover(); panicErr != nil {
				pushmetrics.ShortcutFailures.Inc()
				log.Error().Any("panic", panicErr).Msg("Panic while registering conversation shortcut")
			}
		}()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shortcutTimeout)
		defer cancel()
		if err := p.shortcuts.Register(ctx, shortcut); err != nil {
			pushmetrics.ShortcutFailures.Inc()
			log.Warn().Err(err).Msg("Failed to register conversation shortcut")
		}
	}()
}

// HandleDismissAction executes the dismiss button of a notification.
func (p *Pipeline) HandleDismissAction(ctx context.Context, action notification.Action) error {
	if action.Kind != notification.ActionDismiss {
		return fmt.Errorf("unsupported notification action %q", action.Kind)
	}
	roomID := action.RoomID
	if roomID == "" {
		var ok bool
		roomID, ok = p.ids.Room(action.NotifID)
		if !ok {
			return fmt.Errorf("unknown notification id %d", action.NotifID)
		}
	}
	p.store.ApplyDismiss(roomID)
	if err := p.tray.Cancel(ctx, action.NotifID); err != nil {
		return fmt.Errorf("failed to cancel notification %d: %w", action.NotifID, err)
	}
	pushmetrics.Notifications.WithLabelValues("cancel", "").Inc()
	p.log.Debug().Stringer("room_id", roomID).Int("notif_id", action.NotifID).Msg("Notification dismissed by user")
	return nil
}

// HandleToken stores a refreshed push token and publishes it to subscribers.
func (p *Pipeline) HandleToken(ctx context.Context, token string) error {
	cfg := p.Config()
	if cfg.PushToken == token {
		return nil
	}
	cfg.PushToken = token
	p.SetConfig(cfg)
	p.tokens.Publish(token)
	p.log.Info().Msg("Push token updated")
	if p.saveToken != nil {
		if err := p.saveToken(ctx, token); err != nil {
			return fmt.Errorf("failed to save push token: %w", err)
		}
	}
	return nil
}

// Run handles envelopes from the channel one by one until it is closed or the
// context is cancelled.
func (p *Pipeline) Run(ctx context.Context, envelopes <-chan pushdata.Envelope) error {
	p.log.Info().Msg("Push pipeline started")
	defer p.log.Info().Msg("Push pipeline stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-envelopes:
			if !ok {
				return nil
			}
			// Errors are logged by Handle.
			_ = p.Handle(ctx, env)
		}
	}
}

// Wait blocks until background shortcut registrations have finished.
func (p *Pipeline) Wait() {
	p.bgTasks.Wait()
}
