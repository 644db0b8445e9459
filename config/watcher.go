package config

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	"Resona/logger"
)

const envFile = ".env"

// Watcher applies live log-level changes from the .env file and warns when
// the nodes file is edited. The node set itself never changes mid-process.
type Watcher struct {
	nodesFile string
	done      chan struct{}
}

// NewWatcher creates a watcher for the .env file and the given nodes file.
func NewWatcher(nodesFile string) *Watcher {
	return &Watcher{
		nodesFile: nodesFile,
		done:      make(chan struct{}),
	}
}

// Start begins watching. Missing files are skipped; the watcher only covers
// what exists at startup.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// fsnotify 监控目录而不是单个文件，编辑器的原子替换才能被捕获
	dirs := make(map[string]bool)
	watched := make(map[string]bool)
	for _, file := range []string{envFile, w.nodesFile} {
		if file == "" {
			continue
		}
		if _, err := os.Stat(file); err != nil {
			continue
		}
		abs, err := filepath.Abs(file)
		if err != nil {
			continue
		}
		watched[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	if len(dirs) == 0 {
		watcher.Close()
		return nil
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			logger.Warn("watcher add failed", logger.String("dir", dir), logger.ErrorField(err))
		}
	}

	nodesAbs, _ := filepath.Abs(w.nodesFile)

	go func() {
		defer watcher.Close()
		for {
			select {
			case event := <-watcher.Events:
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				name, err := filepath.Abs(event.Name)
				if err != nil || !watched[name] {
					continue
				}
				if name == nodesAbs {
					logger.Warn("nodes file changed on disk, restart to apply",
						logger.String("file", w.nodesFile))
					continue
				}
				w.reloadLogLevel()
			case err := <-watcher.Errors:
				logger.Warn("watcher error", logger.ErrorField(err))
			case <-w.done:
				return
			}
		}
	}()
	return nil
}

// Stop ends watching.
func (w *Watcher) Stop() {
	close(w.done)
}

func (w *Watcher) reloadLogLevel() {
	values, err := godotenv.Read(envFile)
	if err != nil {
		logger.Warn("reload .env failed", logger.ErrorField(err))
		return
	}
	level, ok := values["LOG_LEVEL"]
	if !ok || logger.LogLevel(level) == logger.Level() {
		return
	}
	logger.SetLevel(logger.LogLevel(level))
	logger.Info("log level changed", logger.String("level", level))
}
