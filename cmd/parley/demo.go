// ABOUTME: The demo subcommand: two users chatting through the full engine
// ABOUTME: Runs over an in-process hub or a loopback relay and prints every transition

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/engine"
	"github.com/2389/parley/internal/inbox"
	"github.com/2389/parley/internal/relay"
	"github.com/2389/parley/internal/store"
	"github.com/2389/parley/internal/transport"
	"github.com/2389/parley/internal/typing"
)

type demoUser struct {
	id   string
	name string
}

var (
	demoSeller = demoUser{id: "alice", name: "Alice"}
	demoBuyer  = demoUser{id: "bob", name: "Bob"}
	demoItem   = chat.ItemRef{ID: "bike-42", Title: "Vintage road bike"}
)

func runDemo(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	via := fs.String("via", "local", "transport: local or relay")
	dbPath := fs.String("db", ":memory:", "database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *via != "local" && *via != "relay" {
		return fmt.Errorf("--via must be local or relay, got %q", *via)
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	repo, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer repo.Close()

	convID, err := seedDemo(ctx, repo)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	demoCtx, stopDemo := context.WithCancel(gctx)

	var newChannel func(u demoUser) (transport.Channel, error)
	switch *via {
	case "local":
		hub := transport.NewHub(transport.HubOptions{ReplaySize: cfg.Relay.ReplaySize}, logger)
		defer hub.Close()
		newChannel = func(demoUser) (transport.Channel, error) {
			return transport.NewLocal(hub, logger), nil
		}
	case "relay":
		newChannel, err = startDemoRelay(demoCtx, g, cfg, repo, logger)
		if err != nil {
			stopDemo()
			return err
		}
	}

	g.Go(func() error {
		defer stopDemo()
		return playDemo(demoCtx, cfg, repo, convID, newChannel, logger)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// seedDemo creates both users and their conversation, reusing it when the
// database already has one.
func seedDemo(ctx context.Context, repo *store.SQLiteStore) (string, error) {
	for _, u := range []demoUser{demoSeller, demoBuyer} {
		if err := repo.UpsertUser(ctx, &store.User{ID: u.id, DisplayName: u.name}); err != nil {
			return "", fmt.Errorf("creating user %s: %w", u.id, err)
		}
	}

	id, err := repo.CreateConversation(ctx, demoItem, demoSeller.id, demoBuyer.id)
	if !errors.Is(err, store.ErrDuplicateConversation) {
		return id, err
	}

	convs, err := repo.FetchConversations(ctx, demoSeller.id)
	if err != nil {
		return "", err
	}
	for _, c := range convs {
		if c.Item.ID == demoItem.ID && c.OtherUser.ID == demoBuyer.id {
			return c.ID, nil
		}
	}
	return "", fmt.Errorf("conversation about %s: %w", demoItem.ID, store.ErrNotFound)
}

// startDemoRelay serves a relay on a loopback port inside g and returns a
// factory for authenticated clients. Conversation membership is checked
// against members.
func startDemoRelay(ctx context.Context, g *errgroup.Group, cfg *config.Config, members relay.Members, logger *slog.Logger) (func(demoUser) (transport.Channel, error), error) {
	relayCfg := *cfg
	if relayCfg.Relay.JWTSecret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating secret: %w", err)
		}
		relayCfg.Relay.JWTSecret = base64.StdEncoding.EncodeToString(secret)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listening: %w", err)
	}
	g.Go(func() error {
		return serveRelay(ctx, &relayCfg, ln, members, logger)
	})

	tokens := auth.NewJWTVerifier([]byte(relayCfg.Relay.JWTSecret))
	return func(u demoUser) (transport.Channel, error) {
		token, err := tokens.Generate(u.id, u.name, time.Hour)
		if err != nil {
			return nil, err
		}
		client, err := relay.Dial(relay.ClientOptions{
			Addr:       ln.Addr().String(),
			Token:      token,
			Backoff:    transport.Backoff{Min: cfg.Client.BackoffMin, Max: cfg.Client.BackoffMax},
			DedupeTTL:  cfg.Client.DedupeTTL,
			DedupeSize: cfg.Client.DedupeSize,
		}, logger)
		if err != nil {
			return nil, err
		}
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.WaitReady(waitCtx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connecting %s: %w", u.id, err)
		}
		return client, nil
	}, nil
}

func playDemo(ctx context.Context, cfg *config.Config, repo store.Repository, convID string,
	newChannel func(demoUser) (transport.Channel, error), logger *slog.Logger) error {

	say := func(who demoUser, format string, args ...any) {
		c := color.New(color.FgCyan)
		if who == demoBuyer {
			c = color.New(color.FgMagenta)
		}
		c.Printf("%-6s ", who.name)
		fmt.Printf(format+"\n", args...)
	}

	open := func(u demoUser) (*engine.Session, error) {
		ch, err := newChannel(u)
		if err != nil {
			return nil, err
		}
		s, err := engine.NewSession(ch, store.NewNotifier(repo, ch, logger), engine.Options{
			UserID:          u.id,
			DisplayName:     u.name,
			PageSize:        cfg.Inbox.PageSize,
			StopTypingAfter: cfg.Typing.StopAfter,
			TypingSafety:    cfg.Typing.SafetyTimeout,
			PollInterval:    cfg.Presence.PollInterval,
			Backoff:         transport.Backoff{Min: cfg.Client.BackoffMin, Max: cfg.Client.BackoffMax},
		}, logger)
		if err != nil {
			_ = ch.Close()
			return nil, err
		}
		if err := s.Start(ctx); err != nil && !errors.Is(err, inbox.ErrStale) {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	}

	seller, err := open(demoSeller)
	if err != nil {
		return err
	}
	defer seller.Close()

	lastUnread := -1
	removeListener := seller.Inbox().OnChange(func(snap inbox.Snapshot) {
		if snap.UnreadCount != lastUnread {
			lastUnread = snap.UnreadCount
			say(demoSeller, "%s", color.HiBlackString("unread: %d", snap.UnreadCount))
		}
	})
	defer removeListener()

	buyer, err := open(demoBuyer)
	if err != nil {
		return err
	}
	buyerClosed := false
	defer func() {
		if !buyerClosed {
			_ = buyer.Close()
		}
	}()

	if !wait(ctx, 300*time.Millisecond) {
		return ctx.Err()
	}
	say(demoSeller, "online: %v", seller.OnlineUsers())

	buyerView, err := buyer.Open(ctx, convID, func(s typing.State) {
		if s.IsOtherTyping {
			say(demoBuyer, "%s", color.HiBlackString("%s is typing...", s.TypingUserName))
		}
	})
	if err != nil {
		return err
	}

	for _, keystroke := range []string{"h", "he", "hel"} {
		buyerView.HandleLocalTyping()
		say(demoBuyer, "%s", color.HiBlackString("typed %q", keystroke))
		if !wait(ctx, 500*time.Millisecond) {
			return ctx.Err()
		}
	}
	if _, err := buyerView.Send(ctx, chat.Draft{Text: "Hi! Is the **bike** still available?"}); err != nil {
		return err
	}
	say(demoBuyer, "sent: Hi! Is the bike still available?")

	if !wait(ctx, 300*time.Millisecond) {
		return ctx.Err()
	}

	sellerView, err := seller.Open(ctx, convID, func(s typing.State) {
		if s.IsOtherTyping {
			say(demoSeller, "%s", color.HiBlackString("%s is typing...", s.TypingUserName))
		} else {
			say(demoSeller, "%s", color.HiBlackString("typing stopped"))
		}
	})
	if err != nil {
		return err
	}
	defer sellerView.Close()

	for _, m := range sellerView.Messages() {
		say(demoSeller, "reads: %s", m.Text)
	}

	sellerView.HandleLocalTyping()
	if !wait(ctx, 200*time.Millisecond) {
		return ctx.Err()
	}
	if _, err := sellerView.Send(ctx, chat.Draft{Text: "Yes, it is. Want to see it tomorrow?"}); err != nil {
		return err
	}
	say(demoSeller, "sent: Yes, it is. Want to see it tomorrow?")

	if !wait(ctx, 300*time.Millisecond) {
		return ctx.Err()
	}
	for _, m := range buyerView.Messages() {
		status := "sent"
		if m.IsRead {
			status = "read"
		}
		say(demoBuyer, "%s %s", color.HiBlackString("[%s]", status), m.Text)
	}

	buyerView.Close()
	buyerClosed = true
	if err := buyer.Close(); err != nil {
		logger.Debug("closing buyer session", "error", err)
	}
	if !wait(ctx, 300*time.Millisecond) {
		return ctx.Err()
	}
	say(demoSeller, "bob online: %v", seller.IsUserOnline(demoBuyer.id))

	color.New(color.FgGreen).Println("\n    ▶ demo finished")
	return nil
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
