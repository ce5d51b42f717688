// Package plugin implements the extension ABI (spec.md §4.4): REST route
// registration, change/on-stored observer lists, four singleton extension
// points (worklist handler and image decoder reject a second registration;
// storage-area factory and database backend keep the last registration),
// plus a dedicated plugin error-code registry for codes >= 1,000,000.
//
// Dispatch and the Fire* methods release Dispatcher.mu before invoking a
// plugin's REST handler or observer callback, so that callback is free to
// call back into the dispatcher from the same goroutine. Rather than a
// goroutine-ID-introspection hack, nested lock calls within one call chain
// are recognized through a context.Context value set the first time
// Dispatcher.mu is taken in that chain (spec.md §5).
package plugin

import (
	"context"
	"regexp"
	"sync"

	"github.com/pacsd/pacsd/apierror"
	"github.com/pacsd/pacsd/blobstore"
	"github.com/pacsd/pacsd/index"
)

// reentryKey marks that the current goroutine's call chain already holds
// the Dispatcher's lock.
type reentryKey struct{}

// RestCallback handles one matched REST route (spec.md §4.4).
type RestCallback func(ctx context.Context, method, uri string, body []byte) ([]byte, int, error)

// Route is one registered REST route: uriRegexp matches the full request
// URI, and mutualExclusion, if true, means the callback itself must not
// be invoked concurrently with any other mutually-exclusive callback
// (spec.md §4.4 "RegisterRestCallback ... with optional mutual exclusion").
type Route struct {
	Pattern         *regexp.Regexp
	Callback        RestCallback
	MutualExclusion bool
}

// WorklistHandler answers modality worklist C-FIND queries (spec.md §4.4).
type WorklistHandler func(ctx context.Context, query map[string]string) ([]map[string]string, error)

// ImageDecoder overrides the built-in pixel-data decode path for a given
// transfer syntax (spec.md §4.4).
type ImageDecoder func(transferSyntaxUID string, raw []byte) ([]byte, error)

// StorageAreaFactory builds a replacement blobstore.Area (spec.md §4.4).
type StorageAreaFactory func(config map[string]string) (blobstore.Area, error)

// DatabaseBackendFactory builds a replacement index.Backend (spec.md §4.4).
type DatabaseBackendFactory func(config map[string]string) (index.Backend, error)

// Dispatcher owns every registered extension point. The core constructs
// exactly one for the process lifetime (recreated across a restart
// barrier reset the same as every other pipeline stage, spec.md §5).
type Dispatcher struct {
	mu              sync.Mutex
	exclusionMu     sync.Mutex // held only while invoking a MutualExclusion route
	routes          []Route
	onStored        []func(index.ChangeEvent)
	onChange        []func(index.ChangeEvent)
	worklist        WorklistHandler
	decoder         ImageDecoder
	storageFactory  StorageAreaFactory
	dbFactory       DatabaseBackendFactory
	errorCodes      map[int]string
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{errorCodes: map[int]string{}}
}

// lock acquires d.mu unless the context already marks it held by this
// call chain, in which case it is a no-op - the reentrancy escape hatch
// named in the package doc. unlock is always safe to call; it only
// releases the mutex if this particular lock call actually took it.
func (d *Dispatcher) lock(ctx context.Context) (unlock func(), newCtx context.Context) {
	if ctx.Value(reentryKey{}) != nil {
		return func() {}, ctx
	}
	d.mu.Lock()
	return func() { d.mu.Unlock() }, context.WithValue(ctx, reentryKey{}, true)
}

// RegisterRoute adds a REST route. Routes are matched in registration
// order; the first matching Pattern wins.
func (d *Dispatcher) RegisterRoute(ctx context.Context, r Route) {
	unlock, _ := d.lock(ctx)
	defer unlock()
	d.routes = append(d.routes, r)
}

// Dispatch finds the first route whose Pattern matches uri and invokes
// it. ok is false if no plugin route matches (the caller should fall
// through to the built-in REST handlers).
func (d *Dispatcher) Dispatch(ctx context.Context, method, uri string, body []byte) (resp []byte, status int, ok bool, err error) {
	unlock, _ := d.lock(ctx)
	var matched *Route
	for i := range d.routes {
		if d.routes[i].Pattern.MatchString(uri) {
			matched = &d.routes[i]
			break
		}
	}
	unlock()
	if matched == nil {
		return nil, 0, false, nil
	}
	if matched.MutualExclusion {
		d.exclusionMu.Lock()
		defer d.exclusionMu.Unlock()
	}
	// mu is no longer held here, so the callback gets the caller's own
	// context and any dispatcher call it makes takes mu normally.
	resp, status, err = matched.Callback(ctx, method, uri, body)
	return resp, status, true, err
}

// RegisterOnStoredInstance adds an observer notified after every
// successfully committed instance store (spec.md §4.4).
func (d *Dispatcher) RegisterOnStoredInstance(ctx context.Context, fn func(index.ChangeEvent)) {
	unlock, _ := d.lock(ctx)
	defer unlock()
	d.onStored = append(d.onStored, fn)
}

// RegisterOnChange adds an observer notified on every change-log append.
func (d *Dispatcher) RegisterOnChange(ctx context.Context, fn func(index.ChangeEvent)) {
	unlock, _ := d.lock(ctx)
	defer unlock()
	d.onChange = append(d.onChange, fn)
}

// FireOnStored notifies every registered OnStoredInstance observer,
// swallowing individual observer panics/errors (spec.md §5).
func (d *Dispatcher) FireOnStored(ev index.ChangeEvent) {
	unlock, _ := d.lock(context.Background())
	subs := append([]func(index.ChangeEvent)(nil), d.onStored...)
	unlock()
	for _, fn := range subs {
		safeCall(fn, ev)
	}
}

// FireOnChange notifies every registered OnChange observer.
func (d *Dispatcher) FireOnChange(ev index.ChangeEvent) {
	unlock, _ := d.lock(context.Background())
	subs := append([]func(index.ChangeEvent)(nil), d.onChange...)
	unlock()
	for _, fn := range subs {
		safeCall(fn, ev)
	}
}

func safeCall(fn func(index.ChangeEvent), ev index.ChangeEvent) {
	defer func() { _ = recover() }()
	fn(ev)
}

// RegisterWorklistHandler installs the (single) modality worklist handler.
// A second registration fails with apierror.Plugin (spec.md §4.4: "Exactly
// one allowed; additional registrations fail Plugin").
func (d *Dispatcher) RegisterWorklistHandler(ctx context.Context, h WorklistHandler) error {
	unlock, _ := d.lock(ctx)
	defer unlock()
	if d.worklist != nil {
		return apierror.New(apierror.Plugin, "a worklist handler is already registered")
	}
	d.worklist = h
	return nil
}

// Worklist returns the currently installed worklist handler, or nil.
func (d *Dispatcher) Worklist() WorklistHandler {
	unlock, _ := d.lock(context.Background())
	defer unlock()
	return d.worklist
}

// RegisterImageDecoder installs the (single) pixel-data decoder override. A
// second registration fails with apierror.Plugin, the same rule as
// RegisterWorklistHandler.
func (d *Dispatcher) RegisterImageDecoder(ctx context.Context, dec ImageDecoder) error {
	unlock, _ := d.lock(ctx)
	defer unlock()
	if d.decoder != nil {
		return apierror.New(apierror.Plugin, "an image decoder is already registered")
	}
	d.decoder = dec
	return nil
}

// Decoder returns the currently installed image decoder override, or nil.
func (d *Dispatcher) Decoder() ImageDecoder {
	unlock, _ := d.lock(context.Background())
	defer unlock()
	return d.decoder
}

// RegisterStorageAreaFactory installs the (single) storage-area factory.
func (d *Dispatcher) RegisterStorageAreaFactory(ctx context.Context, f StorageAreaFactory) {
	unlock, _ := d.lock(ctx)
	defer unlock()
	d.storageFactory = f
}

// StorageAreaFactory returns the installed factory, or nil for the
// built-in blobstore.FSArea.
func (d *Dispatcher) StorageAreaFactory() StorageAreaFactory {
	unlock, _ := d.lock(context.Background())
	defer unlock()
	return d.storageFactory
}

// RegisterDatabaseBackendFactory installs the (single) database backend
// factory, substituting for index.OpenSQLite.
func (d *Dispatcher) RegisterDatabaseBackendFactory(ctx context.Context, f DatabaseBackendFactory) {
	unlock, _ := d.lock(ctx)
	defer unlock()
	d.dbFactory = f
}

// DatabaseBackendFactory returns the installed factory, or nil.
func (d *Dispatcher) DatabaseBackendFactory() DatabaseBackendFactory {
	unlock, _ := d.lock(context.Background())
	defer unlock()
	return d.dbFactory
}

// firstPluginErrorCode is the floor for plugin-registered error codes
// (spec.md §4.4): codes below this are reserved for apierror.Kind.
const firstPluginErrorCode = 1000000

// RegisterErrorCode reserves a plugin-defined error code and its display
// name. Codes below firstPluginErrorCode are rejected.
func (d *Dispatcher) RegisterErrorCode(ctx context.Context, code int, name string) error {
	if code < firstPluginErrorCode {
		return apierror.New(apierror.BadParameterType, "plugin error code %d is below the reserved floor %d", code, firstPluginErrorCode)
	}
	unlock, _ := d.lock(ctx)
	defer unlock()
	if existing, ok := d.errorCodes[code]; ok {
		return apierror.New(apierror.AlreadyExistingTag, "plugin error code %d already registered as %q", code, existing)
	}
	d.errorCodes[code] = name
	return nil
}

// ErrorCodeName looks up a previously registered plugin error code.
func (d *Dispatcher) ErrorCodeName(code int) (string, bool) {
	unlock, _ := d.lock(context.Background())
	defer unlock()
	name, ok := d.errorCodes[code]
	return name, ok
}
