// Package pumped provides hierarchical, dynamically updating contexts for
// decoupling component configuration from component implementation.
//
// # Overview
//
// Pumped organizes configuration around three core concepts:
//
//  1. Contexts: key/value stores arranged in parent/child chains
//  2. Computed values: functions evaluated on demand and cached until something they read changes
//  3. Bindings: objects injected into a context and kept in sync with it
//
// # Basic Usage
//
// Create a root and derive children from it:
//
//	root := pumped.New(pumped.WithName("app"))
//	root.Set("db.host", "localhost")
//
//	request, _ := root.NewChild(pumped.WithName("request"))
//	host, _ := request.Get("db.host") // "localhost", inherited
//
// A child may override any value it inherits. Removing the override reveals
// the inherited value again:
//
//	request.Set("db.host", "replica")
//	request.Get("db.host") // "replica"
//	root.Get("db.host")    // "localhost"
//	request.Remove("db.host")
//	request.Get("db.host") // "localhost"
//
// GetLocal never looks at ancestors, which tells overridden values apart
// from inherited ones. Missing keys return an error matching ErrNotFound.
//
// # Computed Values
//
// Any ContextFunction, or a func with the Func signature, is stored as a
// computed value:
//
//	root.Set("db.dsn", pumped.Func(func(rc *pumped.ResolveCtx, args ...any) (any, error) {
//	    host, err := rc.Get("db.host")
//	    if err != nil {
//	        return nil, err
//	    }
//	    return fmt.Sprintf("postgres://%s/app", host), nil
//	}))
//
// The function is evaluated against the context Get was called on, so a
// child that overrides "db.host" gets its own DSN. Results are cached per
// context and dropped when the key itself, or any key read through rc,
// changes at or above that context. Returning NotSet makes the lookup
// continue with the parent as if the key were not declared.
//
// A computed value that reads its own key through rc fails with a
// CyclicResolutionError instead of recursing.
//
// # Injection
//
// Inject binds an object's members to keys. Members come from `ctx` struct
// tags, or from the object's Members method when it implements Injectable:
//
//	type Repo struct {
//	    Ctx  *pumped.Context `ctx:""`
//	    Host string          `ctx:"db.host"`
//	    Pool int             `ctx:"db.pool,optional"`
//	}
//
//	repo := &Repo{}
//	binding, err := request.Inject(repo)
//
// A mandatory member without a value fails the whole injection with an
// UnresolvedDependencyError. Once injected, every Set, Remove or Dispose
// that changes a bound key as seen from the binding's context re-applies
// the member before the mutating call returns. A key that stops resolving
// sets the member to its zero value.
//
//	root.Set("db.host", "primary") // repo.Host == "primary"
//	binding.Release()              // stop updating repo
//
// Subscribe registers a callback for one key, RunAndTrack re-runs a
// function whenever any key it read changes:
//
//	request.RunAndTrack(func(rc *pumped.ResolveCtx) bool {
//	    host, _ := rc.Get("db.host")
//	    log.Printf("host is now %v", host)
//	    return true // keep tracking
//	})
//
// # Typed Keys
//
// Keys and controllers provide type-safe access:
//
//	port := pumped.NewKey[int]("http.port")
//	port.Set(root, 8080)
//	p, err := port.Get(request)
//
//	ctrl := pumped.Accessor(request, port)
//	ctrl.Peek()    // value without computing
//	ctrl.Release() // drop cached computation
//
// # Extensions
//
// Extensions provide cross-cutting concerns through lifecycle hooks:
//
//	root := pumped.New(
//	    pumped.WithLogger(logger),
//	    pumped.WithExtension(extensions.NewLoggingExtension(logger)),
//	)
//
// See the extensions package for logging, Prometheus metrics and tree
// debugging.
//
// # Lifecycle
//
// Children are referenced weakly by their parent; a child nobody holds is
// garbage collected. Dispose detaches a context, releases the bindings made
// on it without touching their targets, and leaves its children rootless.
//
// # Thread Safety
//
// All operations are thread-safe. One lock serializes each tree; computed
// values, member setters and callbacks run with the lock released, so they
// may freely read and write contexts.
package pumped
