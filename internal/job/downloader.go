package job

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// downloadConnectTimeout and downloadTotalTimeout are the per-attempt
// deadlines here
const (
	downloadConnectTimeout = 30 * time.Second
	downloadTotalTimeout   = 300 * time.Second
	lowSpeedThreshold      = 1024 // bytes/sec
	lowSpeedWindow         = 60 * time.Second
	retryBackoff           = 10 * time.Second
)

// Callback receives the outcome of a download attempt sequence:
// (success, local path, error message).
type Callback func(ok bool, path string, errMsg string)

// Downloader runs the single retrying worker here
type Downloader struct {
	log        *logrus.Entry
	destDir    string
	client     *http.Client
	retryLimit *rate.Limiter
}

func NewDownloader(destDir string, log *logrus.Entry) *Downloader {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Downloader{
		destDir: destDir,
		log:     log.WithField("component", "downloader"),
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: downloadConnectTimeout}).DialContext,
			},
		},
		// One retry-failure line per backoff window at most, so a
		// persistently unreachable host doesn't flood the log.
		retryLimit: rate.NewLimiter(rate.Every(retryBackoff), 1),
	}
}

// Run attempts the download until cancel fires or it succeeds, sleeping
// retryBackoff between attempts (interruptible by cancel), then invokes
// cb exactly once with the terminal outcome.
func (d *Downloader) Run(ctx context.Context, jobID, url string, cb Callback) {
	for {
		if ctx.Err() != nil {
			cb(false, "", "cancelled")
			return
		}
		path, err := d.attempt(ctx, jobID, url)
		if err == nil {
			cb(true, path, "")
			return
		}
		if d.retryLimit.Allow() {
			d.log.WithError(err).WithField("job_id", jobID).Warn("download attempt failed; retrying")
		}

		select {
		case <-ctx.Done():
			cb(false, "", "cancelled")
			return
		case <-time.After(retryBackoff):
		}
	}
}

func (d *Downloader) attempt(ctx context.Context, jobID, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTotalTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(d.destDir, 0755); err != nil {
		return "", fmt.Errorf("creating download directory: %w", err)
	}
	finalPath := filepath.Join(d.destDir, fmt.Sprintf("%s_%d.gcode", jobID, epoch()))
	tmpPath := finalPath + ".part"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	if err := copyWithLowSpeedAbort(ctx, f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("finalizing download: %w", err)
	}
	if info, err := os.Stat(finalPath); err == nil {
		d.log.WithField("job_id", jobID).Infof("downloaded %s", humanize.Bytes(uint64(info.Size())))
	}
	return finalPath, nil
}

// copyWithLowSpeedAbort copies src into dst, aborting if the transfer
// rate stays below lowSpeedThreshold for lowSpeedWindow.
func copyWithLowSpeedAbort(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 64<<10)
	var windowStart = clock()
	var windowBytes int64

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			windowBytes += int64(n)
		}
		if clock().Sub(windowStart) >= lowSpeedWindow {
			bytesPerSec := float64(windowBytes) / lowSpeedWindow.Seconds()
			if bytesPerSec < lowSpeedThreshold {
				return fmt.Errorf("transfer stalled below %d B/s", lowSpeedThreshold)
			}
			windowStart = clock()
			windowBytes = 0
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// clock and epoch are indirected for determinism in tests.
var clock = time.Now

func epoch() int64 { return clock().Unix() }
