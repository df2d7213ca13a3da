// Package hooks tells interested parties what a deployment is doing,
// by posting to webhooks registered for the site.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/ryanuber/go-glob"

	"github.com/fluxcd/kudu/pkg/env"
	kuduerr "github.com/fluxcd/kudu/pkg/errors"
	"github.com/fluxcd/kudu/pkg/fileutil"
	transport "github.com/fluxcd/kudu/pkg/http"
	"github.com/fluxcd/kudu/pkg/lock"
)

// Event kinds.
const (
	BuildStart    = "build.start"
	DeployStart   = "deploy.start"
	DeploySuccess = "deploy.success"
	DeployFailed  = "deploy.failed"
)

const (
	RegistryFile = "hooks.json"
	EventHeader  = "X-Kudu-Event"

	defaultLockTimeout = 10 * time.Second
)

// Hook is a registered webhook. If Events is empty it gets every
// event; otherwise, only those matching one of the patterns, e.g.,
// "deploy.*".
type Hook struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
}

func (h Hook) wants(kind string) bool {
	if len(h.Events) == 0 {
		return true
	}
	for _, pattern := range h.Events {
		if glob.Glob(pattern, kind) {
			return true
		}
	}
	return false
}

// Event is the payload posted to hooks.
type Event struct {
	Kind         string    `json:"event"`
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	StatusText   string    `json:"statusText"`
	Author       string    `json:"author"`
	Deployer     string    `json:"deployer"`
	Message      string    `json:"message"`
	ReceivedTime time.Time `json:"receivedTime"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	SiteName     string    `json:"siteName"`
	HostName     string    `json:"hostName"`
}

// Notifier keeps the site's hook registry and delivers events to it.
// Everything it does is done holding the hooks lock.
type Notifier struct {
	path        string
	siteName    string
	requestID   string
	lock        *lock.Lock
	client      *http.Client
	logger      log.Logger
	LockTimeout time.Duration
}

func NewNotifier(e env.Environment, client *http.Client, logger log.Logger) *Notifier {
	return &Notifier{
		path:        filepath.Join(e.DeploymentsPath, RegistryFile),
		siteName:    e.AppName,
		requestID:   e.RequestID,
		lock:        lock.New(lock.Hooks, e.LockFile(lock.Hooks)),
		client:      client,
		logger:      log.With(logger, "component", "hooks"),
		LockTimeout: defaultLockTimeout,
	}
}

func (n *Notifier) withLock(ctx context.Context, operation string, fn func() error) error {
	return n.lock.Acquire(ctx, operation, n.LockTimeout, fn)
}

func (n *Notifier) read() ([]Hook, error) {
	bytes, err := os.ReadFile(n.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading hooks")
	}
	var hooks []Hook
	if err := json.Unmarshal(bytes, &hooks); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", n.path)
	}
	return hooks, nil
}

func (n *Notifier) write(hooks []Hook) error {
	bytes, err := json.MarshalIndent(hooks, "", "  ")
	if err != nil {
		return err
	}
	return errors.Wrap(fileutil.WriteFile(n.path, bytes), "writing hooks")
}

func (n *Notifier) List(ctx context.Context) ([]Hook, error) {
	var hooks []Hook
	err := n.withLock(ctx, "list hooks", func() (err error) {
		hooks, err = n.read()
		return err
	})
	return hooks, err
}

// Register adds a hook, giving it an ID if it has none. Registering
// a URL that's already there replaces the existing hook.
func (n *Notifier) Register(ctx context.Context, h Hook) (Hook, error) {
	if h.URL == "" {
		return h, errors.New("hook has no URL")
	}
	err := n.withLock(ctx, "register hook", func() error {
		hooks, err := n.read()
		if err != nil {
			return err
		}
		kept := hooks[:0]
		for _, existing := range hooks {
			if existing.URL == h.URL {
				if h.ID == "" {
					h.ID = existing.ID
				}
				continue
			}
			kept = append(kept, existing)
		}
		if h.ID == "" {
			h.ID = uuid.New().String()
		}
		return n.write(append(kept, h))
	})
	return h, err
}

func (n *Notifier) Unregister(ctx context.Context, id string) error {
	return n.withLock(ctx, "unregister hook", func() error {
		hooks, err := n.read()
		if err != nil {
			return err
		}
		kept := hooks[:0]
		found := false
		for _, h := range hooks {
			if h.ID == id {
				found = true
				continue
			}
			kept = append(kept, h)
		}
		if !found {
			return fmt.Errorf("no hook with id %q", id)
		}
		return n.write(kept)
	})
}

// Notify delivers the event to each hook that wants it. Failures are
// logged, and not retried; they never stop a deployment.
func (n *Notifier) Notify(ctx context.Context, ev Event) {
	if ev.SiteName == "" {
		ev.SiteName = n.siteName
	}
	if ev.HostName == "" {
		ev.HostName, _ = os.Hostname()
	}
	err := n.withLock(ctx, "notify "+ev.Kind, func() error {
		hooks, err := n.read()
		if err != nil {
			return err
		}
		for _, h := range hooks {
			if !h.wants(ev.Kind) {
				continue
			}
			err := n.deliver(ctx, h, ev)
			observeDelivery(ev.Kind, err)
			if err != nil {
				n.logger.Log("err", kuduerr.HookDeliveryError(h.URL, err), "hook", h.ID, "event", ev.Kind)
			}
		}
		return nil
	})
	if err != nil {
		n.logger.Log("err", err, "event", ev.Kind, "info", "hooks not notified")
	}
}

func (n *Notifier) deliver(ctx context.Context, h Hook, ev Event) error {
	header := http.Header{}
	header.Set(EventHeader, ev.Kind)
	if n.requestID != "" {
		header.Set(transport.RequestIDHeader, n.requestID)
	}
	return transport.PostJSON(ctx, n.client, h.URL, header, ev)
}
