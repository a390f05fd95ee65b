package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"rentwatch/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig controls forwarding to the operator chat.
type TelegramConfig struct {
	Enabled    bool
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const defaultLogFile = "./rentwatch.log"

// Service owns the writer set behind every Logger it hands out. Apply
// rebuilds the set on config reload.
type Service struct {
	mu   sync.Mutex
	file *os.File
	ops  *opsSink

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service and applies cfg. sender may be nil, which turns
// the operator sink off regardless of cfg.
func New(cfg Config, sender transport.Sender) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	if sender != nil {
		s.ops = newOpsSink(sender)
	}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetTelegramTarget points the operator sink at a chat (0 disables it).
func (s *Service) SetTelegramTarget(chatID int64, threadID int) {
	if s.ops != nil {
		s.ops.setTarget(chatID, threadID)
	}
}

// Apply swaps outputs and level. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var out []io.Writer
	if cfg.Console {
		out = append(out, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			out = append(out, zerolog.SyncWriter(f))
		}
	}
	if s.ops != nil {
		s.ops.configure(cfg.Telegram)
		if cfg.Telegram.Enabled {
			out = append(out, s.ops)
		}
	}
	if len(out) == 0 {
		out = append(out, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(out...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close stops the operator sink and closes the log file.
func (s *Service) Close() error {
	if s.ops != nil {
		s.ops.stop()
	}
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}
