package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dataq-logger/internal/decoder"
	"dataq-logger/internal/monitor"
	"dataq-logger/internal/utils"
)

// Uploader pushes a chunk file to external storage.
type Uploader interface {
	Upload(ctx context.Context, path string) error
}

// Alerter delivers a threshold alert.
type Alerter interface {
	Alert(ctx context.Context, subject, message string) error
}

// Mirror receives every persisted reading in addition to the chunk file.
type Mirror interface {
	Record(r decoder.Reading) error
}

type Options struct {
	Dir            string
	Window         time.Duration
	MinInterval    time.Duration
	UploadInterval time.Duration

	// Min and Max are the alert bounds; nil disables a bound.
	Min *float64
	Max *float64

	Uploader      Uploader
	UploadTimeout time.Duration
	Alerter       Alerter
	AlertTimeout  time.Duration
	Mirrors       []Mirror

	Log *logrus.Entry
	Now func() time.Time
}

// Sink writes reading vectors to rotating CSV chunks. It has a single
// writer: Run consumes one channel and every other method must be called
// from the same goroutine (or before Run / after it returns).
type Sink struct {
	opts    Options
	log     *logrus.Entry
	now     func() time.Time
	limiter *utils.RateLimiter

	current    *chunk
	lastUpload time.Time
}

// NewSink ensures the output directory exists.
func NewSink(opts Options) (*Sink, error) {
	if opts.Dir == "" {
		opts.Dir = "data"
	}
	if opts.Window <= 0 {
		return nil, errors.New("storage: window must be > 0")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", opts.Dir, err)
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 30 * time.Second
	}
	if opts.AlertTimeout <= 0 {
		opts.AlertTimeout = 5 * time.Second
	}

	s := &Sink{
		opts:    opts,
		log:     opts.Log,
		now:     opts.Now,
		limiter: utils.NewRateLimiter(opts.MinInterval),
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.lastUpload = s.now()
	return s, nil
}

// Run consumes readings until in is closed. Between readings it checks
// once a second whether the current chunk's window has passed or an
// upload is due, so sparse streams still rotate and upload.
func (s *Sink) Run(in <-chan decoder.Reading) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-in:
			if !ok {
				return
			}
			if err := s.Write(r); err != nil {
				s.log.WithField("device_id", r.DeviceID).Errorf("persist reading: %v", err)
			}
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Write persists one reading vector: rate limit, rotate, append, mirror,
// check thresholds, then upload if due.
func (s *Sink) Write(r decoder.Reading) error {
	if !s.limiter.Allow(r.DeviceID, r.Timestamp) {
		monitor.ReadingsRateLimited.Inc()
		return nil
	}

	now := s.now()
	if err := s.rotate(now); err != nil {
		monitor.PersistErrors.Inc()
		return err
	}
	if s.current == nil {
		c, err := openChunk(s.opts.Dir, WindowStart(now, s.opts.Window))
		if err != nil {
			monitor.PersistErrors.Inc()
			return err
		}
		s.current = c
	}
	if err := s.current.append(r); err != nil {
		monitor.PersistErrors.Inc()
		return fmt.Errorf("append %s: %w", s.current.path, err)
	}
	monitor.ReadingsPersisted.Inc()

	for _, m := range s.opts.Mirrors {
		if err := m.Record(r); err != nil {
			s.log.WithField("device_id", r.DeviceID).Warnf("mirror reading: %v", err)
		}
	}

	s.checkThresholds(r)
	s.maybeUpload(now)
	return nil
}

// Tick rotates a chunk whose window has passed and uploads if due.
// Writes already check the upload interval; the timer exists so a chunk
// still rotates and uploads when its devices go quiet.
func (s *Sink) Tick() {
	now := s.now()
	if err := s.rotate(now); err != nil {
		monitor.PersistErrors.Inc()
		s.log.Errorf("rotate chunk: %v", err)
	}
	s.maybeUpload(now)
}

// Close flushes and closes the current chunk and hands it to the uploader.
func (s *Sink) Close() error {
	if s.current == nil {
		return nil
	}
	c := s.current
	s.current = nil
	if err := c.close(); err != nil {
		return fmt.Errorf("close %s: %w", c.path, err)
	}
	s.upload(c.path)
	return nil
}

// CurrentPath returns the path of the open chunk, or "" if none is open.
func (s *Sink) CurrentPath() string {
	if s.current == nil {
		return ""
	}
	return s.current.path
}

// rotate closes the current chunk if now falls outside its window. The
// replacement is opened lazily by the next write.
func (s *Sink) rotate(now time.Time) error {
	if s.current == nil {
		return nil
	}
	if WindowStart(now, s.opts.Window).Equal(s.current.start) {
		return nil
	}
	old := s.current
	s.current = nil
	monitor.ChunkRotations.Inc()
	s.log.WithField("rows", old.rows).Infof("chunk %s closed", old.path)
	if err := old.close(); err != nil {
		return fmt.Errorf("close %s: %w", old.path, err)
	}
	s.upload(old.path)
	s.lastUpload = now
	return nil
}

func (s *Sink) maybeUpload(now time.Time) {
	if s.opts.Uploader == nil || s.current == nil {
		return
	}
	if s.opts.UploadInterval > 0 && now.Sub(s.lastUpload) < s.opts.UploadInterval {
		return
	}
	s.lastUpload = now
	if err := s.current.flush(); err != nil {
		s.log.Warnf("flush before upload: %v", err)
	}
	s.upload(s.current.path)
}

// upload is best effort: failures are logged and wait for the next interval.
func (s *Sink) upload(path string) {
	if s.opts.Uploader == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.UploadTimeout)
	defer cancel()
	if err := s.opts.Uploader.Upload(ctx, path); err != nil {
		monitor.Uploads.WithLabelValues("error").Inc()
		s.log.Warnf("upload %s: %v", path, err)
		return
	}
	monitor.Uploads.WithLabelValues("ok").Inc()
	s.log.Debugf("uploaded %s", path)
}

// checkThresholds raises one alert for a vector with any value outside
// the configured bounds.
func (s *Sink) checkThresholds(r decoder.Reading) {
	if s.opts.Alerter == nil || (s.opts.Min == nil && s.opts.Max == nil) {
		return
	}
	var violations []string
	for i, v := range r.Values {
		label := fmt.Sprintf("%d", i)
		if i < len(r.Channels) {
			label = r.Channels[i]
		}
		switch {
		case s.opts.Min != nil && v < *s.opts.Min:
			violations = append(violations, fmt.Sprintf("%s=%.4f below %.4f", label, v, *s.opts.Min))
		case s.opts.Max != nil && v > *s.opts.Max:
			violations = append(violations, fmt.Sprintf("%s=%.4f above %.4f", label, v, *s.opts.Max))
		}
	}
	if len(violations) == 0 {
		return
	}

	subject := fmt.Sprintf("%s device %d threshold alert", r.Family, r.DeviceID)
	message := fmt.Sprintf("%s on %s at %s: %s", r.Family, r.Port,
		r.Timestamp.Format(time.RFC3339), strings.Join(violations, "; "))

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.AlertTimeout)
	defer cancel()
	if err := s.opts.Alerter.Alert(ctx, subject, message); err != nil {
		monitor.Alerts.WithLabelValues("error").Inc()
		s.log.WithField("device_id", r.DeviceID).Warnf("alert: %v", err)
		return
	}
	monitor.Alerts.WithLabelValues("ok").Inc()
}
