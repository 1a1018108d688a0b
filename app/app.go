// Package app wires the OpenTalk chat client together: configuration,
// logging, the credential store, the REST client, the broker connection,
// and the chat service, plus the terminal front end around them.
package app

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/booktalk/opentalk/api"
	"github.com/booktalk/opentalk/auth"
	"github.com/booktalk/opentalk/chat"
	"github.com/booktalk/opentalk/stomp"
)

type App struct {
	config  *Config
	context context.Context
	logger  *slog.Logger

	store  *auth.Store
	api    *api.Client
	client *stomp.Client
	chat   *chat.Service

	cleanupFuncs []func(context.Context)
}

func New(ctx context.Context, config *Config) *App {
	app := &App{}

	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}
	app.context = ctx

	if config == nil {
		var err error
		config, err = LoadConfig()
		if err != nil {
			failed(1, "failed to load config: %v\n", err)
		}
	}
	if err := config.Validate(); err != nil {
		failed(1, FormatValidationErrors(err))
	}
	app.config = config

	app.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))

	var err error
	app.store, err = auth.Open(app.config.SQLite.File, app.config.SQLite.Migrations, &auth.StoreOption{
		Mode:        "rwc",
		Cache:       "shared",
		JournalMode: "WAL",
	})
	if err != nil {
		failed(1, "failed to open credential store: %v\n", err)
	}
	app.AddCleanupFunc(func(ctx context.Context) {
		app.store.Close()
	})
	if err := app.store.Migrate(); err != nil {
		failed(1, "failed to migrate credential store: %v\n", err)
	}

	app.api = api.NewClient(app.config.BaseURL, app.store, app.nickname, api.WithLogger(app.logger))
	app.client = stomp.NewClient(app.config.WebSocketURL+"/websocket", stomp.WithLogger(app.logger))
	app.chat = chat.NewService(app.client, app.api, app.store,
		chat.WithServiceLogger(app.logger),
		chat.WithPageSize(app.config.PageSize))

	app.AddCleanupFunc(func(ctx context.Context) {
		app.chat.Disconnect(ctx)
	})

	return app
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

// Close runs the cleanup funcs with a timeout, newest first.
func (app *App) Close() {
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()

	var wg sync.WaitGroup
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		f := app.cleanupFuncs[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(closeCtx)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		app.logger.Info("app shutdown gracefully")
	case <-closeCtx.Done():
		app.logger.Info("app shutdown timed out")
	}
}

func (app *App) nickname() string {
	nickname, err := app.store.Nickname()
	if err != nil {
		return ""
	}
	return nickname
}

// Login stores the backend-issued token pair and, when the token carries
// one, the nickname it authenticates.
func (app *App) Login(access, refresh string) error {
	if err := app.store.SaveTokens(access, refresh); err != nil {
		return err
	}
	nickname, err := auth.NicknameFromToken(access)
	if err != nil {
		app.logger.Warn(fmt.Sprintf("token carries no nickname: %v", err))
		return nil
	}
	return app.store.SaveNickname(nickname)
}

// Chat joins the book's OpenTalk room and runs the terminal loop until
// the user quits or the app context is cancelled.
func (app *App) Chat(book chat.BookRef) error {
	roomID, err := app.chat.Join(app.context, book)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	fmt.Printf("joined opentalk %d (%s)\n", roomID, book.Title)

	for _, m := range app.chat.Messages() {
		printMessage(m)
	}

	remove := app.chat.OnMessage(func(m chat.Message) {
		printMessage(m)
	})
	defer remove()
	defer app.chat.Disconnect(context.Background())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-app.context.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := app.handleLine(line); done {
				return nil
			}
		}
	}
}

// handleLine interprets one line of user input. It reports whether the
// loop should exit.
func (app *App) handleLine(line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case line == "/older":
		if err := app.chat.LoadOlder(app.context); err != nil {
			fmt.Printf("! load older: %v\n", err)
			return false
		}
		fmt.Printf("-- history: %d messages, more=%v --\n", len(app.chat.Messages()), app.chat.HasMore())
		for _, m := range app.chat.Messages() {
			printMessage(m)
		}
		return false
	case line == "/fav":
		favorite, err := app.chat.ToggleFavorite(app.context)
		if err != nil {
			fmt.Printf("! favorite: %v\n", err)
			return false
		}
		fmt.Printf("-- favorite: %v --\n", favorite)
		return false
	case strings.HasPrefix(line, "/"):
		fmt.Println("commands: /older /fav /quit")
		return false
	default:
		// the composed text survives a failed send so the user can
		// retry it
		if err := app.chat.Send(app.context, line); err != nil {
			fmt.Printf("! not delivered, try again: %v\n", err)
		}
		return false
	}
}

func printMessage(m chat.Message) {
	who := m.Sender
	if m.IsOwn {
		who = "me"
	}
	fmt.Printf("[%s] %s: %s\n", m.SentAt.Format("15:04"), who, m.Text)
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
