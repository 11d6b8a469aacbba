// Package logging builds the driver's logrus logger: structured output
// to stderr for foreground use, plus a daily-rotating file sink under
// LOG_DIR with the previous day's file gzip-compressed once rotation
// completes.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// dateFormat is the "dd-mm-yyyy" log file naming scheme.
const dateFormat = "02-01-2006"

// rotatingFile is an io.Writer that reopens a new dated file whenever the
// calendar day changes, compressing the previous file in the background.
type rotatingFile struct {
	mu      sync.Mutex
	dir     string
	day     string
	idx     int
	file    *os.File
	cronJob *cron.Cron
}

// NewLogger builds a logrus.Logger writing key=value text to stderr and to
// a rotating file under dir. The returned cron scheduler must be stopped
// by the caller on shutdown.
func NewLogger(dir string) (*logrus.Logger, *cron.Cron, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("logging: creating log dir: %w", err)
	}

	rf := &rotatingFile{dir: dir}
	if err := rf.openForToday(); err != nil {
		return nil, nil, err
	}

	c := cron.New()
	if _, err := c.AddFunc("0 0 * * *", func() { rf.rotate() }); err != nil {
		return nil, nil, fmt.Errorf("logging: scheduling rotation: %w", err)
	}
	c.Start()
	rf.cronJob = c

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetOutput(io.MultiWriter(os.Stderr, rf))
	return log, c, nil
}

func (rf *rotatingFile) openForToday() error {
	today := time.Now().Format(dateFormat)
	path, idx := nextAvailablePath(rf.dir, today)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("logging: opening %s: %w", path, err)
	}
	rf.mu.Lock()
	rf.day = today
	rf.idx = idx
	rf.file = f
	rf.mu.Unlock()
	return nil
}

// nextAvailablePath finds the first unused "<dir>/<day>-(<idx>).log" name.
func nextAvailablePath(dir, day string) (string, int) {
	idx := 0
	for {
		name := fmt.Sprintf("%s-(%d).log", day, idx)
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, idx
		}
		idx++
	}
}

func (rf *rotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	today := time.Now().Format(dateFormat)
	if today != rf.day {
		rf.mu.Unlock()
		rf.rotate()
		rf.mu.Lock()
	}
	f := rf.file
	rf.mu.Unlock()
	if f == nil {
		return len(p), nil
	}
	return f.Write(p)
}

// rotate closes the current file, compresses it, and opens a fresh one
// for the current day.
func (rf *rotatingFile) rotate() {
	rf.mu.Lock()
	old := rf.file
	rf.mu.Unlock()

	if err := rf.openForToday(); err != nil {
		return
	}
	if old == nil {
		return
	}
	path := old.Name()
	old.Close()
	go compressAndRemove(path)
}

func compressAndRemove(path string) {
	src, err := os.Open(path)
	if err != nil {
		return
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	defer dst.Close()

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		return
	}
	if err := gw.Close(); err != nil {
		return
	}
	os.Remove(path)
}
