package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher 基于 fsnotify 的配置热更新器。编辑器保存常伴随多次写事件，
// 用冷却时间合并。
type Watcher struct {
	Path     string
	Cooldown time.Duration

	mu         sync.Mutex
	lastReload time.Time
}

// Start 开始监听；每次文件变化且通过验证后回调最新配置。
// 解析或验证失败的版本被静默跳过，保持旧配置生效。
func (w *Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	if w.Cooldown <= 0 {
		w.Cooldown = 2 * time.Second
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.Path); err != nil {
		fw.Close()
		return err
	}

	go func() {
		defer fw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if !w.pastCooldown() {
					continue
				}
				// os.WriteFile 先截断再写：截断事件会读到空/半个文件，
				// 加载失败时不消耗冷却令牌，等随后的写事件重试。
				if cfg, err := LoadWithEnvOverrides(w.Path); err == nil {
					w.markReloaded()
					if onUpdate != nil {
						onUpdate(cfg)
					}
				}
			case _, ok := <-fw.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func (w *Watcher) pastCooldown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastReload) >= w.Cooldown
}

func (w *Watcher) markReloaded() {
	w.mu.Lock()
	w.lastReload = time.Now()
	w.mu.Unlock()
}
