package tracker

import (
	"context"
	"errors"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/okami-tracker/okami/bittorrent"
)

// Hook abstracts anything that needs to inspect or veto a request before the
// core acts on it, such as client approval or delegated authorization.
type Hook interface {
	HandleAnnounce(context.Context, *bittorrent.AnnounceRequest, *bittorrent.AnnounceResponse) (context.Context, error)
	HandleScrape(context.Context, *bittorrent.ScrapeRequest, *bittorrent.ScrapeResponse) (context.Context, error)
}

var (
	hookDriversM sync.RWMutex
	hookDrivers  = make(map[string]HookDriver)

	// ErrHookDriverDoesNotExist is the error returned by NewHook when a
	// hook driver with that name does not exist.
	ErrHookDriverDoesNotExist = errors.New("hook driver with that name does not exist")
)

// HookDriver is the interface used to initialize a new type of Hook.
//
// The options parameter is YAML encoded bytes that should be unmarshalled
// into the hook's custom configuration.
type HookDriver interface {
	NewHook(options []byte) (Hook, error)
}

// RegisterHookDriver makes a HookDriver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// HookDriver is nil, this function panics.
func RegisterHookDriver(name string, d HookDriver) {
	if name == "" {
		panic("tracker: could not register a HookDriver with an empty name")
	}
	if d == nil {
		panic("tracker: could not register a nil HookDriver")
	}

	hookDriversM.Lock()
	defer hookDriversM.Unlock()

	if _, dup := hookDrivers[name]; dup {
		panic("tracker: RegisterHookDriver called twice for " + name)
	}

	hookDrivers[name] = d
}

// NewHook attempts to initialize a new Hook instance from the list of
// registered HookDrivers.
//
// If a driver does not exist, returns ErrHookDriverDoesNotExist.
func NewHook(name string, optionBytes []byte) (Hook, error) {
	hookDriversM.RLock()
	defer hookDriversM.RUnlock()

	d, ok := hookDrivers[name]
	if !ok {
		return nil, ErrHookDriverDoesNotExist
	}

	return d.NewHook(optionBytes)
}

// HookConfig is the generic configuration format used for all registered
// Hooks.
type HookConfig struct {
	Name    string                 `yaml:"name"`
	Options map[string]interface{} `yaml:"options"`
}

// HooksFromHookConfigs is a utility function for initializing Hooks in bulk.
func HooksFromHookConfigs(cfgs []HookConfig) (hooks []Hook, err error) {
	for _, cfg := range cfgs {
		// Marshal the options back into bytes.
		var optionBytes []byte
		optionBytes, err = yaml.Marshal(cfg.Options)
		if err != nil {
			return
		}

		var h Hook
		h, err = NewHook(cfg.Name, optionBytes)
		if err != nil {
			return
		}

		hooks = append(hooks, h)
	}

	return
}
