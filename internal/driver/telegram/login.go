package telegram

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"
)

func newGotdSessionStorage(path string) (*session.FileStorage, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("empty session file path")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve session file %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	return &session.FileStorage{Path: abs}, nil
}

// gotdSession is the GotdUserbotClient of one account: each Run connects,
// logs in, warms the peer cache and only then opens ready and calls fn.
type gotdSession struct {
	client *gotdtelegram.Client
	login  func(ctx context.Context) error
	warmUp func(ctx context.Context)
	ready  *sessionGate
}

func (s gotdSession) Run(ctx context.Context, fn func(runCtx context.Context) error) error {
	switch {
	case s.client == nil:
		return errors.New("run gotd session: nil client")
	case s.login == nil:
		return errors.New("run gotd session: nil login")
	case fn == nil:
		return errors.New("run gotd session: nil callback")
	}

	return s.client.Run(ctx, func(runCtx context.Context) error {
		return s.session(runCtx, fn)
	})
}

func (s gotdSession) session(ctx context.Context, fn func(context.Context) error) error {
	if err := s.login(ctx); err != nil {
		return fmt.Errorf("log in: %w", err)
	}
	if s.warmUp != nil {
		s.warmUp(ctx)
	}
	s.ready.open()

	return fn(ctx)
}

// loginStatus reports whether the stored session is still authorized.
type loginStatus interface {
	Status(ctx context.Context) (*auth.Status, error)
	IfNecessary(ctx context.Context, flow auth.Flow) error
}

// userLogin holds the credentials of a user account login.
type userLogin struct {
	phone       string
	password    string
	code        string
	sessionFile string
	timeout     time.Duration
	logger      *slog.Logger

	// stdin and stdout back the interactive code prompt; nil means the process streams.
	stdin  *os.File
	stdout io.Writer
}

func (l userLogin) ensure(ctx context.Context, client *gotdtelegram.Client) error {
	if client == nil {
		return errors.New("nil client")
	}

	return l.run(ctx, client.Auth())
}

func (l userLogin) run(ctx context.Context, authClient loginStatus) error {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	logger := l.logger
	if logger == nil {
		logger = slog.Default()
	}

	status, err := authClient.Status(ctx)
	if err != nil {
		return fmt.Errorf("check auth status: %w", err)
	}
	if status.Authorized {
		logger.InfoContext(ctx, "telegram session restored", "session_file", l.sessionFile)
		return nil
	}
	if l.phone == "" {
		return errors.New("session not authorized and phone is not configured")
	}

	if err := authClient.IfNecessary(ctx, auth.NewFlow(l.authenticator(), auth.SendCodeOptions{})); err != nil {
		return fmt.Errorf("authorize user: %w", err)
	}
	logger.InfoContext(ctx, "telegram session authorized", "session_file", l.sessionFile)

	return nil
}

func (l userLogin) authenticator() auth.UserAuthenticator {
	codes := auth.CodeAuthenticatorFunc(func(context.Context, *tg.AuthSentCode) (string, error) {
		return l.loginCode()
	})
	if l.password != "" {
		return auth.Constant(l.phone, l.password, codes)
	}

	return auth.CodeOnly(l.phone, codes)
}

// loginCode returns the configured code, or asks for one on an interactive stdin.
func (l userLogin) loginCode() (string, error) {
	if l.code != "" {
		return l.code, nil
	}

	stdin := l.stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	info, err := stdin.Stat()
	if err != nil {
		return "", fmt.Errorf("stat stdin: %w", err)
	}
	if info.Mode()&os.ModeCharDevice == 0 {
		return "", errors.New("code is not configured and stdin is not a terminal")
	}

	var stdout io.Writer = os.Stdout
	if l.stdout != nil {
		stdout = l.stdout
	}

	return readLoginCode(stdin, stdout)
}

func readLoginCode(in io.Reader, out io.Writer) (string, error) {
	if _, err := fmt.Fprint(out, "Telegram login code: "); err != nil {
		return "", fmt.Errorf("prompt login code: %w", err)
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read login code: %w", err)
	}
	if code := strings.TrimSpace(line); code != "" {
		return code, nil
	}

	return "", errors.New("empty login code")
}
