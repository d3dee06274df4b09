package serv

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the event bursts editors produce on save.
const watchDebounce = 500 * time.Millisecond

// startConfigWatcher reloads the configuration and rebuilds the gateway
// whenever the config file changes. The listener and the connection
// pools stay up; only the endpoint table is replaced.
func (s *Service) startConfigWatcher() error {
	cf := s.conf.viper.ConfigFileUsed()
	if cf == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// watch the directory: editors replace files on save, which drops a
	// watch held on the file itself
	if err := w.Add(filepath.Dir(cf)); err != nil {
		return err
	}

	var timer *time.Timer
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(cf) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() { s.reload(cf) })

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warnf("config watcher: %s", err)
		}
	}
}

// reload re-reads the config file and swaps in a fresh gateway.
func (s *Service) reload(configFile string) {
	s.log.Infof("config change detected, reloading: %s", configFile)

	conf, err := ReadInConfig(configFile)
	if err != nil {
		s.log.Errorf("config reload failed, keeping previous config: %s", err)
		return
	}

	// connection settings are fixed for the process lifetime
	conf.Connections = s.conf.Connections
	conf.hostPort = s.conf.hostPort
	s.conf = conf

	if err := s.initGateway(context.Background()); err != nil {
		s.log.Errorf("gateway rebuild failed, keeping previous endpoints: %s", err)
		return
	}
	s.log.Infow("reload complete", "endpoints", len(s.gateway.Table().Entries))
}
