package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/LuminPulse-AI/chatsync"
)

var errNotConfigured = errors.New("not configured, run 'chatsync init <server-url> <token>' first")

func apiURL(cfg *Config) string {
	if cfg.Default.APIURL != "" {
		return cfg.Default.APIURL
	}
	return cfg.Default.ServerURL
}

func newClient(cfg *Config) *chatsync.Client {
	return chatsync.NewClient(apiURL(cfg), chatsync.WithToken(cfg.Auth.Token))
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// engineConfig maps the [sync] section onto the engine config. Unset
// values take the engine defaults.
func engineConfig(cfg *Config) chatsync.Config {
	c := chatsync.Config{
		UserID:           cfg.Auth.UserID,
		MatchWindow:      parseDuration(cfg.Sync.MatchWindow),
		SendTimeout:      parseDuration(cfg.Sync.SendTimeout),
		PresenceInterval: parseDuration(cfg.Sync.PresenceInterval),
	}
	if c.MatchWindow == 0 {
		c.MatchWindow = 5 * time.Second
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 8 * time.Second
	}
	if c.PresenceInterval == 0 {
		c.PresenceInterval = 30 * time.Second
	}
	return c
}

func outboxPath(cfg *Config) (string, error) {
	if cfg.Sync.OutboxPath != "" {
		return cfg.Sync.OutboxPath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "outbox.db"), nil
}

func openOutbox(path string) (*chatsync.BoltOutbox, error) {
	return chatsync.OpenBoltOutbox(path)
}

// session is a connected engine plus the resources it owns.
type session struct {
	engine *chatsync.Engine
	outbox *chatsync.BoltOutbox
	log    *zap.Logger
}

func openSession(ctx context.Context, cfg *Config) (*session, error) {
	if cfg.Default.ServerURL == "" || cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, errNotConfigured
	}
	log := newLogger()
	path, err := outboxPath(cfg)
	if err != nil {
		return nil, err
	}
	ob, err := openOutbox(path)
	if err != nil {
		return nil, err
	}

	chCfg := chatsync.DefaultChannelConfig()
	chCfg.Logger = log.Named("channel")
	ch := chatsync.NewWSChannel(cfg.Default.ServerURL, chatsync.StaticToken(cfg.Auth.Token), chCfg)
	engine := chatsync.New(ch,
		chatsync.WithConfig(engineConfig(cfg)),
		chatsync.WithLogger(log),
		chatsync.WithOutbox(ob),
		chatsync.WithUploader(newClient(cfg)),
	)
	if err := engine.Init(ctx); err != nil {
		ob.Close()
		return nil, err
	}
	if _, err := engine.RestorePending(ctx); err != nil {
		log.Warn("restore pending sends", zap.Error(err))
	}
	engine.Connect()
	return &session{engine: engine, outbox: ob, log: log}, nil
}

func (s *session) Close() {
	s.engine.Teardown()
	s.outbox.Close()
	_ = s.log.Sync()
}

// waitFor blocks until cond holds, re-checking on every store change.
func waitFor(ctx context.Context, engine *chatsync.Engine, cond func() bool) error {
	changed := make(chan struct{}, 1)
	engine.Store().OnChange(func(chatsync.Change) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-ticker.C:
		}
	}
	return nil
}

// openAndLoad opens convID and waits for its first page.
func openAndLoad(ctx context.Context, s *session, convID string) error {
	if err := s.engine.OpenConversation(ctx, convID, nil, false); err != nil {
		return err
	}
	return waitFor(ctx, s.engine, func() bool {
		return !s.engine.Loading(convID, chatsync.DirectionInitial)
	})
}

func formatMessage(m *chatsync.Message) string {
	var b strings.Builder
	b.WriteString(m.Timestamp.Local().Format("15:04:05"))
	b.WriteString(" ")
	b.WriteString(m.SenderID)
	if m.IsForwarded {
		b.WriteString(" (fwd)")
	}
	b.WriteString(": ")
	if m.ReplyTarget != nil {
		fmt.Fprintf(&b, "[re %s] ", valueOrDefault(m.ReplyTarget.Content, m.ReplyTarget.ID))
	}
	if m.Type != chatsync.TypeText {
		fmt.Fprintf(&b, "<%s> ", m.Type)
	}
	b.WriteString(m.Content)
	for _, kind := range m.ReactionKinds() {
		fmt.Fprintf(&b, " %s×%d", kind, m.Reactions[kind].TotalCount)
	}
	switch {
	case !m.Confirmed():
		fmt.Fprintf(&b, " (%s)", m.Status)
	default:
		fmt.Fprintf(&b, "  #%s", m.ID)
	}
	return b.String()
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
