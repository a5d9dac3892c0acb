package config

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sigtrap/olah/internal/logutil"
)

var clog = logutil.NewHelper(nil)

// Observer is config observer.
type Observer[T any] func(string, *T)

// Config is a config interface.
type Config[T any] interface {
	Scan(v *T) error
	Watch(key string, o Observer[T]) error
	Close() error
}

type config[T any] struct {
	opts   *options
	stop   chan struct{}
	signal chan os.Signal

	observers map[string][]Observer[T]
	watchers  []Watcher
	bc        *T
}

func New[T any](opts ...Option) Config[T] {
	o := &options{}

	for _, opt := range opts {
		opt(o)
	}

	c := &config[T]{
		opts:      o,
		stop:      make(chan struct{}, 1),
		signal:    make(chan os.Signal, 1),
		observers: make(map[string][]Observer[T]),
		bc:        nil,
	}

	go c.tick()

	return c
}

func (c *config[T]) Scan(v *T) error {
	c.bc = v
	for _, source := range c.opts.sources {
		if files, err := source.Load(); err == nil {
			for _, file := range files {
				unmarshal := toUnmarshal(file.Format)
				if file.Value != nil {
					clog.Debugf("[config] load file: %#+v format: %s", file.Key, file.Format)
					if err1 := unmarshal(file.Value, v); err1 != nil {
						clog.Errorf("[config] unmarshal file: %#+v error: %s", file.Key, err1)
					}
				}
			}
		} else {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("config file not found: %w", err)
			}
			return err
		}
	}
	return nil
}

func (c *config[T]) Watch(key string, o Observer[T]) error {
	if c.observers[key] == nil {
		c.observers[key] = make([]Observer[T], 0, 8)
	}
	c.observers[key] = append(c.observers[key], o)
	return nil
}

func (c *config[T]) Close() error {
	for _, w := range c.watchers {
		_ = w.Stop()
	}
	c.stop <- struct{}{}
	close(c.stop)
	close(c.signal)

	return nil
}

func (c *config[T]) tick() {
	signal.Notify(c.signal, syscall.SIGHUP)

	for _, source := range c.opts.sources {
		w, err := source.Watch()
		if err != nil {
			clog.Warnf("[config] watch not supported for source: %v", err)
			continue
		}
		c.watchers = append(c.watchers, w)
		go c.watchSource(w)
	}

	for {
		select {
		case <-c.stop:
			return
		case <-c.signal:
			clog.Debugf("[config] received SIGHUP")
			c.reload()
		}
	}
}

func (c *config[T]) watchSource(w Watcher) {
	for {
		if _, err := w.Next(); err != nil {
			return
		}
		c.reload()
	}
}

func (c *config[T]) reload() {
	if err := c.Scan(c.bc); err != nil {
		clog.Errorf("[config] reload failed: %v", err)
		return
	}
	for k, observers := range c.observers {
		clog.Debugf("[config] upgrade key: %s", k)
		for _, observer := range observers {
			observer(k, c.bc)
		}
	}
}
