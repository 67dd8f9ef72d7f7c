package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level   string
	Console bool
	// JSON switches the console sink to JSON lines (e.g. under journald).
	JSON bool
	File FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
	// MaxSizeMB rotates the file once it exceeds this size; 0 means 100.
	MaxSizeMB int
	// MaxBackups is how many rotated files are kept; 0 keeps all of them.
	MaxBackups int
}

const (
	consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"
	defaultLogPath    = "./jobloop.log"
)

var globalsOnce sync.Once

func configureGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = consoleTimeFormat
	})
}

// Service owns the active sinks. Loggers from Logger() read the current
// root on every event, so Apply takes effect everywhere at once.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	file *lumberjack.Logger

	root atomic.Pointer[zerolog.Logger]
}

// New builds a Service from cfg and returns it with its root Logger.
func New(cfg Config) (*Service, Logger) {
	configureGlobals()
	s := &Service{}
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

// Config returns the last applied config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Close releases the file sink. Later events still reach the console, if any.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.store(s.cfg, nil)
	return err
}

// Apply swaps level and sinks. Safe to call concurrently with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var file *lumberjack.Logger
	if cfg.File.Enabled {
		cfg.File.Path = strings.TrimSpace(cfg.File.Path)
		if cfg.File.Path == "" {
			cfg.File.Path = defaultLogPath
		}
		// Level or console changes keep the open file.
		if s.file != nil && s.cfg.File == cfg.File {
			file = s.file
		} else if f, err := openFileSink(cfg.File); err != nil {
			fmt.Fprintf(Stderr(), "logx: open log file %q: %v\n", cfg.File.Path, err)
		} else {
			file = f
		}
	}
	if s.file != nil && s.file != file {
		_ = s.file.Close()
	}
	s.file = file
	s.cfg = cfg
	s.store(cfg, file)
}

func (s *Service) store(cfg Config, file *lumberjack.Logger) {
	var sinks []io.Writer
	if cfg.Console {
		if cfg.JSON {
			sinks = append(sinks, zerolog.SyncWriter(Stdout()))
		} else {
			sinks = append(sinks, consoleWriter(Stdout()))
		}
	}
	if file != nil {
		sinks = append(sinks, file)
	}
	if len(sinks) == 0 {
		// Never go silent because of a bad file path.
		sinks = append(sinks, consoleWriter(Stdout()))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
}

func parseLevel(s string, def Level) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return def
	}
}

// Stdout returns the stdout sink.
func Stdout() io.Writer { return os.Stdout }

// Stderr returns the stderr sink.
func Stderr() io.Writer { return os.Stderr }

// openFileSink checks that the log directory is usable and returns a
// size-rotated writer. lumberjack opens the file lazily and reopens it on
// the next write if a rotation fails.
func openFileSink(fc FileConfig) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(fc.Path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(fc.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	_ = f.Close()
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    max(fc.MaxSizeMB, 0),
		MaxBackups: max(fc.MaxBackups, 0),
		LocalTime:  true,
	}, nil
}
