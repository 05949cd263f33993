// Command candidate takes a live assessment from the terminal. The
// alternate screen plays the role of fullscreen; leaving it or moving focus
// away from the terminal counts as a proctoring violation.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/stemsi/exstem-live/internal/assessment"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/connection"
	"github.com/stemsi/exstem-live/internal/database"
	"github.com/stemsi/exstem-live/internal/logger"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/terminal"
	"github.com/stemsi/exstem-live/internal/violation"
)

const help = "Type an option letter to answer. Commands: :next :progress :info :violations :complete :reset :quit"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "candidate:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	logOut := io.Writer(os.Stderr)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	log := logger.New(logOut, cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.TestID <= 0 {
		return errors.New("TEST_ID must be set")
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if cfg.AuthToken == "" && interactive {
		fmt.Fprint(os.Stdout, "Token: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stdout)
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		cfg.AuthToken = strings.TrimSpace(string(raw))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	violationKey, err := violationKeyFor(cfg)
	if err != nil {
		return err
	}

	opts := []assessment.Option{}
	if cfg.ViolationStore == config.ViolationStoreRedis {
		rdb, err := database.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			return fmt.Errorf("connect violation store: %w", err)
		}
		defer rdb.Close()
		opts = append(opts, assessment.WithViolationStore(
			violation.NewRedisStore(rdb, violation.WithCheatQueue(config.WorkerKey.PersistCheatsQueue)),
		))
	}

	var (
		out   io.Writer = os.Stdout
		lines lineReader
	)
	if interactive {
		state, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enter raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), state)

		src := terminal.NewSource(os.Stdout)
		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{src.Filter(os.Stdin), os.Stdout}, "> ")
		out, lines = t, t
		opts = append(opts, assessment.WithSignalSource(src))
	} else {
		lines = &scannerLines{s: bufio.NewScanner(os.Stdin)}
	}

	sess, err := assessment.New(ctx, assessment.Config{
		Connection: connection.Config{
			URL:                  cfg.WSURL,
			Token:                cfg.AuthToken,
			TestID:               cfg.TestID,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			ReconnectDelay:       cfg.ReconnectDelay,
			MaxReconnectDelay:    cfg.MaxReconnectDelay,
			HeartbeatInterval:    cfg.HeartbeatInterval,
		},
		ProcessingClearTimeout: cfg.ProcessingClearTimeout,
		MaxViolations:          cfg.MaxViolations,
		ViolationDebounce:      cfg.ViolationDebounce,
		ViolationKey:           violationKey,
	}, log, opts...)
	if err != nil {
		return err
	}
	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer closeCancel()
	defer sess.Close(closeCtx)

	r := terminal.NewRenderer(out, interactive)
	sess.Subscribe(func(snap model.Session) { r.Render(snap, sess.ProcessMessage()) })

	if err := begin(ctx, sess); err != nil {
		return err
	}
	fmt.Fprintln(out, help)

	linesCh := make(chan string)
	go func() {
		defer close(linesCh)
		for {
			line, err := lines.ReadLine()
			if err != nil {
				return
			}
			linesCh <- line
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-linesCh:
			if !ok {
				return nil
			}
			quit, err := dispatch(ctx, sess, out, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func begin(ctx context.Context, sess *assessment.Session) error {
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return sess.StartAssessment(ctx)
}

func dispatch(ctx context.Context, sess *assessment.Session, out io.Writer, line string) (quit bool, err error) {
	switch line {
	case "":
		return false, nil
	case ":quit", ":q":
		return true, nil
	case ":help":
		fmt.Fprintln(out, help)
		return false, nil
	case ":next":
		return false, sess.RequestQuestion()
	case ":progress":
		return false, sess.RequestProgress()
	case ":info":
		return false, sess.RequestTestInfo()
	case ":complete":
		return false, sess.CompleteAssessment()
	case ":violations":
		rec, err := sess.Violations(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "Violations: %d of %d\n", rec.Count, rec.MaxViolations)
		for _, v := range rec.Violations {
			fmt.Fprintf(out, "  %s %s %s\n", v.Timestamp.Local().Format(time.TimeOnly), v.Reason, v.Details)
		}
		return false, nil
	case ":reset":
		if err := sess.ResetAssessment(ctx); err != nil {
			return false, err
		}
		return false, begin(ctx, sess)
	}

	snap := sess.Snapshot()
	if q := snap.CurrentQuestion; q != nil && snap.InteractionType == model.InteractionWaitingResponse {
		for _, o := range q.Options {
			if strings.EqualFold(o.OptionID, line) {
				return false, sess.SubmitAnswer(q.QuestionID, o.OptionID)
			}
		}
	}
	return false, sess.SendChatMessage(line)
}

type lineReader interface {
	ReadLine() (string, error)
}

type scannerLines struct {
	s *bufio.Scanner
}

func (l *scannerLines) ReadLine() (string, error) {
	if !l.s.Scan() {
		if err := l.s.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return l.s.Text(), nil
}

// violationKeyFor scopes the violation record to the candidate named by the
// token. The Redis store is shared between candidates, so it refuses tokens
// without a user id.
func violationKeyFor(cfg *config.Config) (string, error) {
	if uid, ok := connection.TokenUserID(cfg.AuthToken); ok {
		return config.ViolationSubject(uid, cfg.TestID), nil
	}
	if cfg.ViolationStore == config.ViolationStoreRedis {
		return "", errors.New("VIOLATION_STORE=redis needs an AUTH_TOKEN carrying a user id")
	}
	return "", nil
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
