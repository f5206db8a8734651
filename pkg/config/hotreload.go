package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"callaudit/pkg/patterns"
)

// Sources returns the rule file locations for the pattern loader.
func (p PatternsConfig) Sources() patterns.Sources {
	return patterns.Sources{
		ProfanityFile:    p.ProfanityFile,
		VerificationFile: p.VerificationFile,
		DisclosureFile:   p.DisclosureFile,
	}
}

// ReloadCallback receives a freshly loaded pattern library
type ReloadCallback func(lib *patterns.Library)

// ReloadEvent describes one rule reload attempt
type ReloadEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	RuleCounts  map[string]int `json:"rule_counts,omitempty"`
	ReloadTime  time.Duration  `json:"reload_time"`
	TriggerType string         `json:"trigger_type"` // "file" or "api"
}

// RuleReloader watches the configured rule files and reloads the pattern
// library when any of them changes. Callbacks only ever see a library that
// loaded without error.
type RuleReloader struct {
	sources      patterns.Sources
	files        map[string]struct{}
	logger       *logrus.Logger
	watcher      *fsnotify.Watcher
	callbacks    []ReloadCallback
	mutex        sync.RWMutex
	ctx          context.Context
	cancel       context.CancelFunc
	reloadChan   chan struct{}
	done         sync.WaitGroup
	enabled      bool
	debounceTime time.Duration
	lastEvent    *ReloadEvent
}

// NewRuleReloader creates a reloader for the rule files named in cfg
func NewRuleReloader(cfg PatternsConfig, logger *logrus.Logger) (*RuleReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &RuleReloader{
		sources:      cfg.Sources(),
		files:        make(map[string]struct{}),
		logger:       logger,
		watcher:      watcher,
		ctx:          ctx,
		cancel:       cancel,
		reloadChan:   make(chan struct{}, 1),
		debounceTime: cfg.ReloadDebounce,
	}
	for _, path := range []string{cfg.ProfanityFile, cfg.VerificationFile, cfg.DisclosureFile} {
		if path == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = filepath.Clean(path)
		}
		r.files[abs] = struct{}{}
	}
	return r, nil
}

// Start begins watching. Directories are watched rather than the files so
// editors that replace a file by rename are still seen.
func (r *RuleReloader) Start() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.enabled {
		return fmt.Errorf("rule reloader already started")
	}

	dirs := make(map[string]struct{})
	for file := range r.files {
		dirs[filepath.Dir(file)] = struct{}{}
	}
	watched := 0
	for dir := range dirs {
		if err := r.watcher.Add(dir); err != nil {
			r.logger.WithError(err).WithField("dir", dir).Warn("Failed to watch rule directory")
			continue
		}
		watched++
	}
	if watched == 0 && len(dirs) > 0 {
		return fmt.Errorf("no rule directory could be watched")
	}

	r.enabled = true
	r.done.Add(2)
	go r.watchFiles()
	go r.handleReloads()

	r.logger.WithField("files", len(r.files)).Info("Rule hot-reload started")
	return nil
}

// Stop stops watching and waits for the background goroutines
func (r *RuleReloader) Stop() error {
	r.mutex.Lock()
	if !r.enabled {
		r.mutex.Unlock()
		return fmt.Errorf("rule reloader not started")
	}
	r.enabled = false
	r.mutex.Unlock()

	r.cancel()
	err := r.watcher.Close()
	r.done.Wait()

	r.logger.Info("Rule hot-reload stopped")
	return err
}

// AddCallback registers a function to receive reloaded libraries
func (r *RuleReloader) AddCallback(callback ReloadCallback) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// TriggerReload reloads the rules immediately
func (r *RuleReloader) TriggerReload() (*ReloadEvent, error) {
	return r.performReload("api")
}

// LastEvent returns the most recent reload attempt, or nil
func (r *RuleReloader) LastEvent() *ReloadEvent {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.lastEvent
}

// IsEnabled returns whether the reloader is running
func (r *RuleReloader) IsEnabled() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.enabled
}

func (r *RuleReloader) isRuleFile(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		abs = filepath.Clean(name)
	}
	_, ok := r.files[abs]
	return ok
}

// watchFiles watches for file system events
func (r *RuleReloader) watchFiles() {
	defer r.done.Done()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithField("panic", rec).Error("File watcher panic recovered")
		}
	}()

	for {
		select {
		case <-r.ctx.Done():
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !r.isRuleFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			r.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  event.Name,
			}).Debug("Rule file changed")

			select {
			case r.reloadChan <- struct{}{}:
			default:
				// a reload is already pending
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Error("File watcher error")
		}
	}
}

// handleReloads coalesces bursts of file events into one reload
func (r *RuleReloader) handleReloads() {
	defer r.done.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.reloadChan:
			timer := time.NewTimer(r.debounceTime)
			select {
			case <-r.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			// drain requests that arrived during the debounce window
			select {
			case <-r.reloadChan:
			default:
			}

			if _, err := r.performReload("file"); err != nil {
				r.logger.WithError(err).Error("Rule reload failed, keeping previous rules")
			}
		}
	}
}

// performReload loads the rule files and hands the library to every callback
func (r *RuleReloader) performReload(triggerType string) (*ReloadEvent, error) {
	startTime := time.Now()
	event := &ReloadEvent{
		Timestamp:   startTime,
		TriggerType: triggerType,
	}

	lib, err := patterns.LoadLibrary(r.sources, r.logger)
	event.ReloadTime = time.Since(startTime)
	if err != nil {
		event.Error = err.Error()
		r.recordEvent(event)
		return event, fmt.Errorf("failed to load rule files: %w", err)
	}

	event.Success = true
	event.RuleCounts = map[string]int{
		patterns.SetProfanity:    lib.Profanity.Len(),
		patterns.SetVerification: lib.Verification.Len(),
		patterns.SetDisclosure:   lib.Disclosure.Len(),
	}
	r.recordEvent(event)

	r.mutex.RLock()
	callbacks := append([]ReloadCallback(nil), r.callbacks...)
	r.mutex.RUnlock()
	for _, callback := range callbacks {
		callback(lib)
	}

	r.logger.WithFields(logrus.Fields{
		"trigger":     triggerType,
		"reload_time": event.ReloadTime,
	}).Info("Rules reloaded")
	return event, nil
}

func (r *RuleReloader) recordEvent(event *ReloadEvent) {
	r.mutex.Lock()
	r.lastEvent = event
	r.mutex.Unlock()
}
