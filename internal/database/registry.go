package database

import (
	"context"
	"strings"
	"sync"

	dcberrors "github.com/fulcrologic/datomic-cloud-backup/internal/errors"
)

// LogOpener constructs a source log client from a connection URI.
type LogOpener func(ctx context.Context, uri string) (Log, error)

// TargetOpener constructs a target client from a connection URI.
type TargetOpener func(ctx context.Context, uri string) (Target, error)

var (
	driversMu     sync.RWMutex
	logDrivers    = make(map[string]LogOpener)
	targetDrivers = make(map[string]TargetOpener)
)

// RegisterLogDriver makes a source driver available under a URI scheme.
// Typically called from a driver package's init.
func RegisterLogDriver(scheme string, open LogOpener) {
	driversMu.Lock()
	defer driversMu.Unlock()
	logDrivers[scheme] = open
}

// RegisterTargetDriver makes a target driver available under a URI scheme.
func RegisterTargetDriver(scheme string, open TargetOpener) {
	driversMu.Lock()
	defer driversMu.Unlock()
	targetDrivers[scheme] = open
}

// OpenLog opens a source log connection for a "scheme://rest" URI.
func OpenLog(ctx context.Context, uri string) (Log, error) {
	scheme, ok := uriScheme(uri)
	if !ok {
		return nil, dcberrors.Configuration("source URI has no scheme: "+uri, nil)
	}
	driversMu.RLock()
	open, found := logDrivers[scheme]
	driversMu.RUnlock()
	if !found {
		return nil, dcberrors.Configuration("no source driver registered for scheme "+scheme, nil)
	}
	return open(ctx, uri)
}

// OpenTarget opens a target connection for a "scheme://rest" URI.
func OpenTarget(ctx context.Context, uri string) (Target, error) {
	scheme, ok := uriScheme(uri)
	if !ok {
		return nil, dcberrors.Configuration("target URI has no scheme: "+uri, nil)
	}
	driversMu.RLock()
	open, found := targetDrivers[scheme]
	driversMu.RUnlock()
	if !found {
		return nil, dcberrors.Configuration("no target driver registered for scheme "+scheme, nil)
	}
	return open(ctx, uri)
}

func uriScheme(uri string) (string, bool) {
	scheme, _, found := strings.Cut(uri, "://")
	return scheme, found
}
